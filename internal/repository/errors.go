// Package repository содержит реализации хранилища документов сервиса: PostgreSQL и MongoDB.
package repository

import "errors"

var (
	// ErrCustomerNotFound возвращается, если для адреса кошелька нет записи покупателя.
	ErrCustomerNotFound = errors.New("customer not found")
	// ErrClaimLost возвращается, если заявку на создание покупателя перехватил другой запрос.
	ErrClaimLost = errors.New("customer claim lost")
	// ErrOrderRecordExists возвращается при повторной записи заказа для той же транзакции сжигания.
	ErrOrderRecordExists = errors.New("order record already exists")
	// ErrOrderRecordNotFound возвращается, если транзакция сжигания не записана в журнал.
	ErrOrderRecordNotFound = errors.New("order record not found")
)
