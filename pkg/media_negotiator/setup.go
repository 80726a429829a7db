package media_negotiator

import "strings"

// SetupRole значение атрибута a=setup
type SetupRole string

const (
	SetupActive   SetupRole = "active"
	SetupPassive  SetupRole = "passive"
	SetupActPass  SetupRole = "actpass"
	SetupHoldConn SetupRole = "holdconn"
)

// ParseSetupRole нормализует значение атрибута. Пустая строка - атрибута нет.
func ParseSetupRole(v string) SetupRole {
	return SetupRole(strings.ToLower(strings.TrimSpace(v)))
}

// ResolveSetupRole вычисляет локальную роль по роли удаленной стороны:
// active -> passive, passive -> active, всё остальное -> passive.
func ResolveSetupRole(remote SetupRole) SetupRole {
	switch remote {
	case SetupActive:
		return SetupPassive
	case SetupPassive:
		return SetupActive
	default:
		return SetupPassive
	}
}

// OfferSetupRole роль в исходящем предложении. Окончательная роль
// определяется ответом удаленной стороны.
func OfferSetupRole() SetupRole {
	return SetupActPass
}

// IsActive true если локальная сторона устанавливает соединение
func (r SetupRole) IsActive() bool {
	return r == SetupActive
}
