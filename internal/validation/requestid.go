// Package validation содержит функции валидации входных данных.
package validation

import "github.com/google/uuid"

// IsValidRequestID проверяет, что идентификатор запроса — корректный UUID.
// Клиент выпускает его один раз на логическое действие пользователя и
// переиспользует при сетевых повторах: на нём держится идемпотентность списания.
func IsValidRequestID(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
