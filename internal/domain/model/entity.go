// Пакет model — доменные модели сервиса синхронизации с реестром PDDIKTI.
package model

import "fmt"

// EntityType — тип синхронизируемой сущности.
type EntityType string

const (
	EntityStudents      EntityType = "students"
	EntityLecturers     EntityType = "lecturers"
	EntityCourses       EntityType = "courses"
	EntityStudyPrograms EntityType = "study_programs"
)

// TrackedEntityTypes — типы сущностей в порядке зависимостей:
// программы обучения синхронизируются первыми, остальные ссылаются на них.
var TrackedEntityTypes = []EntityType{
	EntityStudyPrograms,
	EntityLecturers,
	EntityCourses,
	EntityStudents,
}

// ParseEntityType преобразует строку в EntityType.
func ParseEntityType(s string) (EntityType, error) {
	switch et := EntityType(s); et {
	case EntityStudents, EntityLecturers, EntityCourses, EntityStudyPrograms:
		return et, nil
	default:
		return "", fmt.Errorf("неизвестный тип сущности %q, допустимые: students, lecturers, courses, study_programs", s)
	}
}

// Operation — направление синхронизации.
type Operation string

const (
	// OperationPull — загрузка записей из реестра в локальную БД
	OperationPull Operation = "pull"
	// OperationPush — выгрузка ещё не связанных локальных записей в реестр
	OperationPush Operation = "push"
	// OperationValidate — пробный прогон pull без записи в локальную БД
	OperationValidate Operation = "validate"
)

// ParseOperation преобразует строку в Operation. Пустая строка — pull.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case "":
		return OperationPull, nil
	case OperationPull, OperationPush, OperationValidate:
		return op, nil
	default:
		return "", fmt.Errorf("неизвестная операция %q, допустимые: pull, push, validate", s)
	}
}
