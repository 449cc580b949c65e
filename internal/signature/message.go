package signature

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mmeshcher/box-redemption/internal/model"
)

const redemptionPreamble = "PLEASE VERIFY YOUR ADDRESS.\nYour data will never be shared publicly."

// RedemptionMessage формирует текст, который пользователь подписывает при отправке формы доставки.
// Порядок полей фиксирован: подпись привязана ровно к отправляемым данным.
// timestamp и units передаются в том виде, в каком их прислал клиент.
func RedemptionMessage(a model.ShippingAddress, address common.Address, timestamp, units string) string {
	var b strings.Builder

	b.WriteString(redemptionPreamble)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "First Name: %s\n", a.FirstName)
	fmt.Fprintf(&b, "Last Name: %s\n", a.LastName)
	fmt.Fprintf(&b, "Street Address: %s\n", a.Line1)
	fmt.Fprintf(&b, "Unit: %s\n", a.Line2)
	fmt.Fprintf(&b, "City: %s\n", a.City)
	fmt.Fprintf(&b, "State: %s\n", a.State)
	fmt.Fprintf(&b, "ZIP: %s\n", a.Zip)
	fmt.Fprintf(&b, "Country: %s\n", a.Country)
	fmt.Fprintf(&b, "Email: %s\n", a.Email)
	fmt.Fprintf(&b, "Ethereum Address: %s\n", address.Hex())
	fmt.Fprintf(&b, "Time: %s\n", timestamp)
	fmt.Fprintf(&b, "BOX Redeemed: %s", units)

	return b.String()
}

// HistoryMessage формирует текст, подтверждающий владение адресом для чтения истории заказов.
func HistoryMessage(address common.Address, timestamp string) string {
	return fmt.Sprintf(
		"This signature is proof that I control the private key of %s as of the timestamp %s.\n\n It will be used to access my order history.",
		address.Hex(), timestamp,
	)
}
