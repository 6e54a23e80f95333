// Package model содержит доменные сущности сервиса продажи пропусков Party in Pink.
package model

import (
	"encoding/json"
	"time"
)

// OrderType описывает тип заказа.
type OrderType string

const (
	OrderTypeSingle   OrderType = "single"
	OrderTypeBulk     OrderType = "bulk"
	OrderTypeDonation OrderType = "donation"
)

// Valid сообщает, является ли тип заказа известным.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeSingle, OrderTypeBulk, OrderTypeDonation:
		return true
	}
	return false
}

// OrderStatus описывает состояние заказа в автомате выполнения.
type OrderStatus string

const (
	OrderStatusCreated          OrderStatus = "CREATED"
	OrderStatusPaymentConfirmed OrderStatus = "PAYMENT_CONFIRMED"
	OrderStatusIssuing          OrderStatus = "ISSUING"
	OrderStatusFulfilledOK      OrderStatus = "FULFILLED_OK"
	OrderStatusFulfilledPartial OrderStatus = "FULFILLED_PARTIAL"
	OrderStatusFulfilledFailed  OrderStatus = "FULFILLED_FAILED"
)

// FulfillmentStatus описывает результат выдачи пропусков.
type FulfillmentStatus string

const (
	FulfillmentPending FulfillmentStatus = "pending"
	FulfillmentOK      FulfillmentStatus = "ok"
	FulfillmentPartial FulfillmentStatus = "partial"
	FulfillmentFailed  FulfillmentStatus = "failed"
)

// Gateway - платёжный шлюз, через который оплачен заказ.
type Gateway string

const (
	GatewayCashfree Gateway = "cashfree"
	GatewayRazorpay Gateway = "razorpay"
)

// Meta содержит данные, специфичные для типа заказа.
type Meta struct {
	ClubName     string `json:"club_name,omitempty"`
	ClubType     string `json:"club_type,omitempty"`
	Quantity     int    `json:"quantity,omitempty"`
	Tier         string `json:"tier,omitempty"`
	CustomAmount int64  `json:"custom_amount,omitempty"`
}

// Payment хранит подтверждённые шлюзом данные об оплате.
type Payment struct {
	Gateway     Gateway         `json:"gateway"`
	PaymentID   string          `json:"payment_id,omitempty"`
	PaidAmount  int64           `json:"paid_amount"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Registration описывает одну успешную пачку регистраций в KonfHub.
type Registration struct {
	StartIndex   int             `json:"start_index"`
	Count        int             `json:"count"`
	TicketIDUsed string          `json:"ticket_id_used"`
	Response     json.RawMessage `json:"response,omitempty"`
}

// IssuanceError описывает пачку, которую не удалось зарегистрировать.
type IssuanceError struct {
	StartIndex   int    `json:"start_index"`
	Count        int    `json:"count"`
	TicketIDUsed string `json:"ticket_id_used"`
	Error        string `json:"error"`
}

// Konfhub содержит результат выдачи пропусков во внешней системе регистрации.
type Konfhub struct {
	TicketIDUsed  string         `json:"ticket_id_used,omitempty"`
	Registrations []Registration `json:"registrations,omitempty"`
}

// Fulfilled описывает состояние выдачи пропусков по заказу.
type Fulfilled struct {
	Status    FulfillmentStatus `json:"status"`
	At        *time.Time        `json:"at,omitempty"`
	Count     int               `json:"count"`
	ClaimedAt *time.Time        `json:"claimed_at,omitempty"`
	ClaimedBy string            `json:"claimed_by,omitempty"`
}

// Terminal сообщает, завершена ли выдача успешно или частично.
// Статус failed не считается окончательным: пропуска не выданы, и заказ можно взять в работу повторно.
func (f *Fulfilled) Terminal() bool {
	if f == nil {
		return false
	}
	return f.Status == FulfillmentOK || f.Status == FulfillmentPartial
}

// Order - запись реестра заказов, хранится по ключу orders/<order_id>.json.
type Order struct {
	OrderID        string          `json:"order_id"`
	Type           OrderType       `json:"type"`
	Name           string          `json:"name"`
	Email          string          `json:"email"`
	Phone          string          `json:"phone"`
	Amount         int64           `json:"amount"`
	Passes         int             `json:"passes"`
	Recipients     []string        `json:"recipients,omitempty"`
	Meta           Meta            `json:"meta"`
	Status         OrderStatus     `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	Cashfree       json.RawMessage `json:"cashfree,omitempty"`
	Razorpay       json.RawMessage `json:"razorpay,omitempty"`
	Payment        *Payment        `json:"payment,omitempty"`
	Konfhub        *Konfhub        `json:"konfhub,omitempty"`
	Fulfilled      *Fulfilled      `json:"fulfilled,omitempty"`
	IssuanceErrors []IssuanceError `json:"issuance_errors,omitempty"`
	IssuanceError  string          `json:"issuance_error,omitempty"`
	CheckedInAt    *time.Time      `json:"checked_in_at,omitempty"`
	Reconstructed  bool            `json:"reconstructed,omitempty"`
	Warnings       []string        `json:"warnings,omitempty"`
}

// AddWarning добавляет предупреждение, если такого ещё нет.
func (o *Order) AddWarning(w string) {
	for _, existing := range o.Warnings {
		if existing == w {
			return
		}
	}
	o.Warnings = append(o.Warnings, w)
}

// UniqueRecipients возвращает адреса получателей без повторов в исходном порядке.
func (o *Order) UniqueRecipients() []string {
	seen := make(map[string]struct{}, len(o.Recipients))
	res := make([]string, 0, len(o.Recipients))
	for _, r := range o.Recipients {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		res = append(res, r)
	}
	return res
}

// CheckIn - запись журнала прохода на мероприятие.
type CheckIn struct {
	OrderID   string    `json:"order_id"`
	Name      string    `json:"name"`
	Passes    int       `json:"passes"`
	Device    string    `json:"device,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Summary - агрегированная статистика по заказам для администратора.
type Summary struct {
	Orders      int                       `json:"orders"`
	Paid        int                       `json:"paid"`
	Amount      int64                     `json:"amount"`
	Passes      int                       `json:"passes"`
	Issued      int                       `json:"issued"`
	CheckedIn   int                       `json:"checked_in"`
	ByType      map[OrderType]int         `json:"by_type"`
	ByFulfilled map[FulfillmentStatus]int `json:"by_fulfilled"`
	Failed      []string                  `json:"failed,omitempty"`
	Stuck       []string                  `json:"stuck,omitempty"`
}
