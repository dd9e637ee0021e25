package models

import "time"

// StudentProfile extends a student User without duplicating identity
// (email/name/phone live on the user). Matricule is unique per tenant.
type StudentProfile struct {
	ID                string     `db:"id" json:"id"`
	UserID            string     `db:"user_id" json:"user_id"`
	EstablishmentID   string     `db:"establishment_id" json:"establishment_id"`
	Matricule         string     `db:"matricule" json:"matricule"`
	CurrentSchoolYear string     `db:"current_school_year" json:"current_school_year"`
	DateOfBirth       *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	ParentName1       string     `db:"parent_name_1" json:"parent_name_1,omitempty"`
	ParentPhone1      string     `db:"parent_phone_1" json:"parent_phone_1,omitempty"`
	ParentName2       string     `db:"parent_name_2" json:"parent_name_2,omitempty"`
	ParentPhone2      string     `db:"parent_phone_2" json:"parent_phone_2,omitempty"`
	Address           string     `db:"address" json:"address,omitempty"`
	LevelCode         string     `db:"level_code" json:"level_code,omitempty"`
	DepartmentCode    string     `db:"department_code" json:"department_code,omitempty"`
	ProgramCode       string     `db:"program_code" json:"program_code,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// StudentRef is the identity-key view of an existing student used by the
// dedup resolver. Identity keys are never overwritten by an import update.
type StudentRef struct {
	ProfileID string `db:"profile_id" json:"profile_id"`
	UserID    string `db:"user_id" json:"user_id"`
	Email     string `db:"email" json:"email"`
	Phone     string `db:"phone" json:"phone"`
	Matricule string `db:"matricule" json:"matricule"`
}
