package konfhub

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/mmeshcher/pinkpass/internal/model"
)

// BuildAttendees строит по участнику на каждый пропуск заказа.
// Явные получатели перебираются по кругу; без них используется покупатель,
// а для пожертвований на несколько пропусков к имени добавляется #n.
func BuildAttendees(order *model.Order, dialCode, countryCode string) []Attendee {
	if order.Passes <= 0 {
		return nil
	}

	purchaserName := strings.Join(strings.Fields(order.Name), " ")
	if purchaserName == "" {
		purchaserName = HumanizeEmail(order.Email)
	}

	res := make([]Attendee, 0, order.Passes)
	for i := 0; i < order.Passes; i++ {
		email := order.Email
		name := purchaserName

		if len(order.Recipients) > 0 {
			email = order.Recipients[i%len(order.Recipients)]
			if !strings.EqualFold(email, order.Email) {
				name = HumanizeEmail(email)
			}
		}

		if order.Type == model.OrderTypeDonation && order.Passes > 1 && strings.EqualFold(email, order.Email) {
			name = fmt.Sprintf("%s #%d", name, i+1)
		}

		res = append(res, Attendee{
			Name:        name,
			EmailID:     email,
			DialCode:    dialCode,
			CountryCode: countryCode,
			PhoneNumber: order.Phone,
		})
	}
	return res
}

// HumanizeEmail превращает локальную часть адреса в отображаемое имя: "priya.sharma_92" -> "Priya Sharma 92".
func HumanizeEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	local = strings.Map(func(r rune) rune {
		switch r {
		case '.', '_', '-', '+':
			return ' '
		}
		return r
	}, local)

	words := strings.Fields(local)
	for i, w := range words {
		runes := []rune(strings.ToLower(w))
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	if len(words) == 0 {
		return "Guest"
	}
	return strings.Join(words, " ")
}
