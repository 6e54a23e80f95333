// Package ledger реализует версионированное хранилище JSON-документов реестра заказов.
//
// Все реализации поддерживают оптимистичную блокировку: Put с непустой ожидаемой версией
// завершается ErrVersionConflict, если документ успел измениться, а Put с пустой версией
// создаёт документ только при его отсутствии.
package ledger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound возвращается, если документа с указанным ключом нет.
	ErrNotFound = errors.New("ledger document not found")
	// ErrVersionConflict возвращается, если версия документа устарела.
	ErrVersionConflict = errors.New("ledger version conflict")
)

// Document - документ реестра с токеном версии.
type Document struct {
	Key     string
	Body    []byte
	Version string
}

// OrderKey возвращает ключ документа заказа.
func OrderKey(orderID string) string {
	return fmt.Sprintf("orders/%s.json", orderID)
}

// CheckInLogKey - ключ журнала прохода.
const CheckInLogKey = "checkins/log.json"

// OrdersPrefix - префикс ключей заказов.
const OrdersPrefix = "orders/"

func cleanKey(key string) string {
	return strings.TrimLeft(strings.TrimSpace(key), "/")
}
