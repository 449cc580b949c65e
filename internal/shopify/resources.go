package shopify

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mmeshcher/box-redemption/internal/model"
)

type customerRequest struct {
	FirstName string                  `json:"first_name"`
	LastName  string                  `json:"last_name"`
	Email     string                  `json:"email"`
	Addresses []model.CustomerAddress `json:"addresses"`
}

type customerEnvelope struct {
	Customer model.Customer `json:"customer"`
}

type addressEnvelope struct {
	Address model.CustomerAddress `json:"address"`
}

type customerAddressEnvelope struct {
	CustomerAddress model.CustomerAddress `json:"customer_address"`
}

type orderCustomer struct {
	ID int64 `json:"id"`
}

type orderRequest struct {
	Email                  string                `json:"email"`
	Customer               *orderCustomer        `json:"customer,omitempty"`
	LineItems              []model.LineItem      `json:"line_items"`
	ShippingAddress        model.CustomerAddress `json:"shipping_address"`
	FinancialStatus        string                `json:"financial_status"`
	SendReceipt            bool                  `json:"send_receipt"`
	SendFulfillmentReceipt bool                  `json:"send_fulfillment_receipt"`
	NoteAttributes         []model.NoteAttribute `json:"note_attributes,omitempty"`
}

type orderEnvelope struct {
	Order model.Order `json:"order"`
}

type customersEnvelope struct {
	Customers []model.Customer `json:"customers"`
}

type ordersEnvelope struct {
	Orders []model.Order `json:"orders"`
}

// CreateCustomer создаёт покупателя с единственным адресом.
func (c *Client) CreateCustomer(ctx context.Context, customer model.Customer) (*model.Customer, error) {
	in := struct {
		Customer customerRequest `json:"customer"`
	}{
		Customer: customerRequest{
			FirstName: customer.FirstName,
			LastName:  customer.LastName,
			Email:     customer.Email,
			Addresses: customer.Addresses,
		},
	}

	var out customerEnvelope
	if err := c.post(ctx, "create_customer", "customers.json", in, &out); err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	return &out.Customer, nil
}

// CreateAddress добавляет адрес существующему покупателю.
func (c *Client) CreateAddress(ctx context.Context, customerID int64, address model.CustomerAddress) (*model.CustomerAddress, error) {
	address.ID = 0

	var out customerAddressEnvelope
	path := "customers/" + strconv.FormatInt(customerID, 10) + "/addresses.json"
	if err := c.post(ctx, "create_address", path, addressEnvelope{Address: address}, &out); err != nil {
		return nil, fmt.Errorf("create address: %w", err)
	}
	return &out.CustomerAddress, nil
}

// GetCustomer возвращает покупателя вместе со всеми адресами.
func (c *Client) GetCustomer(ctx context.Context, customerID int64) (*model.Customer, error) {
	var out customerEnvelope
	path := "customers/" + strconv.FormatInt(customerID, 10) + ".json"
	if err := c.get(ctx, "get_customer", path, &out); err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &out.Customer, nil
}

// CreateOrder создаёт заказ.
func (c *Client) CreateOrder(ctx context.Context, p model.OrderPayload) (*model.Order, error) {
	req := orderRequest{
		Email:                  p.Email,
		LineItems:              p.LineItems,
		ShippingAddress:        p.ShippingAddress,
		FinancialStatus:        p.FinancialStatus,
		SendReceipt:            p.SendReceipt,
		SendFulfillmentReceipt: p.SendFulfillmentReceipt,
		NoteAttributes:         p.NoteAttributes,
	}
	if p.CustomerID != 0 {
		req.Customer = &orderCustomer{ID: p.CustomerID}
	}

	in := struct {
		Order orderRequest `json:"order"`
	}{Order: req}

	var out orderEnvelope
	if err := c.post(ctx, "create_order", "orders.json", in, &out); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	return &out.Order, nil
}

// GetOrder возвращает заказ по идентификатору.
func (c *Client) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	var out orderEnvelope
	path := "orders/" + strconv.FormatInt(orderID, 10) + ".json"
	if err := c.get(ctx, "get_order", path, &out); err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &out.Order, nil
}

// FindCustomerByEmail ищет покупателя по email. Если покупателя нет, возвращает ErrNotFound.
func (c *Client) FindCustomerByEmail(ctx context.Context, email string) (*model.Customer, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrNotFound
	}

	var out customersEnvelope
	path := "customers/search.json?query=" + url.QueryEscape("email:"+email)
	if err := c.get(ctx, "search_customers", path, &out); err != nil {
		return nil, fmt.Errorf("search customers: %w", err)
	}
	for i := range out.Customers {
		if strings.EqualFold(out.Customers[i].Email, email) {
			return &out.Customers[i], nil
		}
	}
	return nil, ErrNotFound
}

// FindOrderByAttribute ищет среди заказов покупателя заказ с атрибутом name=value.
// Если такого заказа нет, возвращает ErrNotFound.
func (c *Client) FindOrderByAttribute(ctx context.Context, customerID int64, name, value string) (*model.Order, error) {
	var out ordersEnvelope
	path := "customers/" + strconv.FormatInt(customerID, 10) + "/orders.json?status=any"
	if err := c.get(ctx, "customer_orders", path, &out); err != nil {
		return nil, fmt.Errorf("get customer orders: %w", err)
	}
	for i := range out.Orders {
		if out.Orders[i].Attribute(name) == value {
			return &out.Orders[i], nil
		}
	}
	return nil, ErrNotFound
}
