// Package expiry вычисляет срок действия ваучеров.
package expiry

import "time"

// EndOfCalendarMonth возвращает 23:59:59.999 последнего дня календарного месяца,
// в который попадает reference, в часовом поясе loc.
//
// Срок действия намеренно несимметричен: покупка в последний день месяца даёт около суток доступа,
// покупка первого числа даёт около месяца.
func EndOfCalendarMonth(reference time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := reference.In(loc)
	// Нулевой день следующего месяца нормализуется в последний день текущего.
	return time.Date(local.Year(), local.Month()+1, 0, 23, 59, 59, int(999*time.Millisecond), loc)
}

// Calculator фиксирует часовой пояс расчёта срока действия.
type Calculator struct {
	loc *time.Location
}

// NewCalculator создаёт калькулятор для указанного часового пояса.
func NewCalculator(loc *time.Location) Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return Calculator{loc: loc}
}

// ExpiresAt возвращает срок действия для оплаты, подтверждённой в момент paidAt.
func (c Calculator) ExpiresAt(paidAt time.Time) time.Time {
	return EndOfCalendarMonth(paidAt, c.loc)
}

// Location возвращает часовой пояс калькулятора.
func (c Calculator) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}
