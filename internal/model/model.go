// Package model содержит доменные сущности сервиса выкупа токенов.
package model

import (
	"strings"
	"time"
)

// ShippingAddress описывает физический адрес доставки, указанный пользователем в форме.
type ShippingAddress struct {
	FirstName string `json:"firstName" bson:"firstName" validate:"required,max=255"`
	LastName  string `json:"lastName" bson:"lastName" validate:"required,max=255"`
	Line1     string `json:"line1" bson:"line1" validate:"required,max=255"`
	Line2     string `json:"line2" bson:"line2" validate:"max=255"`
	City      string `json:"city" bson:"city" validate:"required,max=255"`
	State     string `json:"state" bson:"state" validate:"max=255"`
	Zip       string `json:"zip" bson:"zip" validate:"required,max=32"`
	Country   string `json:"country" bson:"country" validate:"required,max=255"`
	Email     string `json:"email" bson:"email" validate:"required,email"`
}

// Matches сравнивает адреса по паре (line1, zip).
func (a ShippingAddress) Matches(line1, zip string) bool {
	return sameAddress(a.Line1, a.Zip, line1, zip)
}

func sameAddress(line1a, zipA, line1b, zipB string) bool {
	return strings.EqualFold(strings.TrimSpace(line1a), strings.TrimSpace(line1b)) &&
		strings.TrimSpace(zipA) == strings.TrimSpace(zipB)
}

// CustomerRecord: локальное зеркало покупателя коммерческой системы, привязанное к кошельку.
// Пока CommerceCustomerID равен нулю, запись является заявкой на создание покупателя.
type CustomerRecord struct {
	ID                 string          `json:"id" bson:"_id,omitempty"`
	WalletAddress      string          `json:"addressEthereum" bson:"addressEthereum"`
	CommerceCustomerID int64           `json:"shopifyId" bson:"shopifyId"`
	AddressPhysical    ShippingAddress `json:"addressPhysical" bson:"addressPhysical"`
	Matched            bool            `json:"matched" bson:"matched"`
	ClaimedAt          time.Time       `json:"claimedAt" bson:"claimedAt"`
	CreatedAt          time.Time       `json:"createdAt" bson:"createdAt"`
}

// Pending сообщает, что покупатель в коммерческой системе ещё не создан.
func (c *CustomerRecord) Pending() bool {
	return c.CommerceCustomerID == 0
}

// Reclaimed сообщает, что заявка перехвачена после истечения предыдущей.
// Предыдущая попытка могла успеть создать покупателя.
func (c *CustomerRecord) Reclaimed() bool {
	return c.ClaimedAt.After(c.CreatedAt)
}

// CustomerAddress: адрес покупателя в коммерческой системе.
type CustomerAddress struct {
	ID        int64  `json:"id,omitempty" bson:"id,omitempty"`
	FirstName string `json:"first_name" bson:"first_name"`
	LastName  string `json:"last_name" bson:"last_name"`
	Address1  string `json:"address1" bson:"address1"`
	Address2  string `json:"address2" bson:"address2"`
	City      string `json:"city" bson:"city"`
	Province  string `json:"province" bson:"province"`
	Zip       string `json:"zip" bson:"zip"`
	Country   string `json:"country" bson:"country"`
}

// Matches сравнивает адрес с адресом из формы по паре (line1, zip).
func (a CustomerAddress) Matches(s ShippingAddress) bool {
	return sameAddress(a.Address1, a.Zip, s.Line1, s.Zip)
}

// AddressFromShipping переводит адрес из формы в формат коммерческой системы.
func AddressFromShipping(s ShippingAddress) CustomerAddress {
	return CustomerAddress{
		FirstName: s.FirstName,
		LastName:  s.LastName,
		Address1:  s.Line1,
		Address2:  s.Line2,
		City:      s.City,
		Province:  s.State,
		Zip:       s.Zip,
		Country:   s.Country,
	}
}

// Customer: покупатель в коммерческой системе вместе с его адресами.
type Customer struct {
	ID        int64             `json:"id"`
	Email     string            `json:"email"`
	FirstName string            `json:"first_name"`
	LastName  string            `json:"last_name"`
	Addresses []CustomerAddress `json:"addresses"`
}

// FindAddress возвращает адрес покупателя, совпадающий с адресом из формы.
func (c *Customer) FindAddress(s ShippingAddress) (CustomerAddress, bool) {
	for _, a := range c.Addresses {
		if a.Matches(s) {
			return a, true
		}
	}
	return CustomerAddress{}, false
}

// RedemptionSubmission фиксирует одну заявку на выкуп. После создания не изменяется.
type RedemptionSubmission struct {
	ID              string          `json:"id" bson:"_id"`
	WalletAddress   string          `json:"addressEthereum" bson:"addressEthereum"`
	UnitsBurned     int             `json:"numberOfUnits" bson:"numberOfUnits"`
	Timestamp       int64           `json:"timestamp" bson:"timestamp"`
	AddressPhysical ShippingAddress `json:"addressPhysical" bson:"addressPhysical"`
	Signature       string          `json:"signature" bson:"signature"`
	Invalid         bool            `json:"invalid" bson:"invalid"`
	Matched         bool            `json:"matched" bson:"matched"`
	CreatedAt       time.Time       `json:"createdAt" bson:"createdAt"`
}

// LineItem: позиция заказа.
type LineItem struct {
	VariantID int64  `json:"variant_id" bson:"variant_id"`
	Quantity  int    `json:"quantity" bson:"quantity"`
	Title     string `json:"title,omitempty" bson:"title,omitempty"`
}

// NoteAttribute: произвольный атрибут заказа.
type NoteAttribute struct {
	Name  string `json:"name" bson:"name"`
	Value string `json:"value" bson:"value"`
}

// OrderPayload: тело запроса на создание заказа, сохраняемое в журнале как снимок.
type OrderPayload struct {
	Email                  string          `json:"email" bson:"email"`
	CustomerID             int64           `json:"customer_id" bson:"customer_id"`
	LineItems              []LineItem      `json:"line_items" bson:"line_items"`
	ShippingAddress        CustomerAddress `json:"shipping_address" bson:"shipping_address"`
	FinancialStatus        string          `json:"financial_status" bson:"financial_status"`
	SendReceipt            bool            `json:"send_receipt" bson:"send_receipt"`
	SendFulfillmentReceipt bool            `json:"send_fulfillment_receipt" bson:"send_fulfillment_receipt"`
	NoteAttributes         []NoteAttribute `json:"note_attributes,omitempty" bson:"note_attributes,omitempty"`
}

// OrderStatus описывает состояние заказа в коммерческой системе.
type OrderStatus struct {
	FinancialStatus   string     `json:"financial_status" bson:"financial_status"`
	FulfillmentStatus string     `json:"fulfillment_status" bson:"fulfillment_status"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty" bson:"cancelled_at,omitempty"`
}

// Settled сообщает, что статус заказа больше не изменится.
func (s OrderStatus) Settled() bool {
	return s.FulfillmentStatus == "fulfilled" || s.CancelledAt != nil
}

// OrderRecord связывает транзакцию сжигания токенов с заказом коммерческой системы.
// Запись создаётся до обращения к коммерческой системе; пока CommerceOrderID равен нулю,
// она резервирует хеш за обрабатывающим запросом.
type OrderRecord struct {
	BurnHash        string       `json:"burnHash" bson:"_id"`
	CommerceOrderID int64        `json:"orderId" bson:"orderId"`
	WalletAddress   string       `json:"addressEthereum" bson:"addressEthereum"`
	Order           OrderPayload `json:"order" bson:"order"`
	Status          OrderStatus  `json:"status" bson:"status"`
	CreatedAt       time.Time    `json:"createdAt" bson:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt" bson:"updatedAt"`
}

// Pending сообщает, что заказ по записи ещё не создан или не подтверждён.
func (o *OrderRecord) Pending() bool {
	return o.CommerceOrderID == 0
}

// Order: заказ в коммерческой системе.
type Order struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Email           string          `json:"email"`
	CreatedAt       time.Time       `json:"created_at"`
	LineItems       []LineItem      `json:"line_items"`
	ShippingAddress CustomerAddress `json:"shipping_address"`
	NoteAttributes  []NoteAttribute `json:"note_attributes"`
	OrderStatus
}

// Attribute возвращает значение атрибута заказа или пустую строку.
func (o *Order) Attribute(name string) string {
	for _, a := range o.NoteAttributes {
		if a.Name == name {
			return a.Value
		}
	}
	return ""
}

// HistoryEntry: элемент истории заказов адреса.
type HistoryEntry struct {
	BurnHash string      `json:"burnHash"`
	OrderID  int64       `json:"orderId"`
	Address  string      `json:"addressEthereum"`
	Order    any         `json:"order"`
	Status   OrderStatus `json:"status"`
	Live     bool        `json:"live"`
}
