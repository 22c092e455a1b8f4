package domain

// Action действие над тикетом, доступное пользователю
type Action string

const (
	ActionDeliver Action = "entregar"
	ActionReturn  Action = "devolver"
	ActionCancel  Action = "cancelar"
)

// IsRequester сравнивает идентификаторы по числовому значению
func IsRequester(t *Ticket, u User) bool {
	return u.ID != 0 && t.RequesterID == u.ID
}

// VisibleActions политика видимости действий для интерфейса.
// Сервис при выполнении перепроверяет статус и права независимо от неё.
func VisibleActions(t *Ticket, u User) []Action {
	actions := make([]Action, 0, 2)
	switch u.Role {
	case RoleAdmin:
		if t.Status == TicketStatusPending {
			actions = append(actions, ActionDeliver)
		}
	case RoleSupervisor:
		if t.Status == TicketStatusDelivered {
			actions = append(actions, ActionReturn)
		}
	case RoleOperator:
		if !IsRequester(t, u) {
			break
		}
		switch t.Status {
		case TicketStatusDelivered:
			actions = append(actions, ActionReturn)
		case TicketStatusPending:
			actions = append(actions, ActionCancel)
		}
	}
	return actions
}

// Can проверяет одно действие
func Can(t *Ticket, u User, a Action) bool {
	for _, v := range VisibleActions(t, u) {
		if v == a {
			return true
		}
	}
	return false
}
