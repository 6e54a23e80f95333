package service

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/pinkpass/internal/konfhub"
)

var (
	// ErrValidation - некорректные входные данные, повтор бессмыслен.
	ErrValidation = errors.New("validation failed")
	// ErrAuth - неверная подпись, ключ администратора или токен устройства.
	ErrAuth = errors.New("authentication failed")
	// ErrOrderNotFound - заказа нет в реестре.
	ErrOrderNotFound = errors.New("order not found")
	// ErrConfig - не хватает обязательной настройки.
	ErrConfig = errors.New("service misconfigured")
	// ErrUpstream - ошибка платёжного шлюза, KonfHub или почтового API.
	ErrUpstream = errors.New("upstream failure")
	// ErrConflict - реестр изменился параллельно, попытки исчерпаны.
	ErrConflict = errors.New("ledger write conflict")
	// ErrIssuanceInProgress - выдачу по заказу уже выполняет другая доставка вебхука.
	ErrIssuanceInProgress = errors.New("issuance in progress")
	// ErrIssuanceFailed - не удалось выдать ни одного пропуска.
	ErrIssuanceFailed = errors.New("issuance failed")
	// ErrNotFulfilled - действие требует выданных пропусков.
	ErrNotFulfilled = errors.New("order not fulfilled")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// classifyIssuance приводит ошибку клиента KonfHub к таксономии сервиса.
func classifyIssuance(err error) error {
	if errors.Is(err, konfhub.ErrConfig) {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstream, err)
}
