package models

import "time"

// Academic catalog entities. The import pipeline only reads these to
// validate foreign references on staged rows; their CRUD lives elsewhere.

type Department struct {
	ID              string    `db:"id" json:"id"`
	EstablishmentID string    `db:"establishment_id" json:"establishment_id"`
	Code            string    `db:"code" json:"code"`
	Name            string    `db:"name" json:"name"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

type Level struct {
	ID              string    `db:"id" json:"id"`
	EstablishmentID string    `db:"establishment_id" json:"establishment_id"`
	Code            string    `db:"code" json:"code"`
	Name            string    `db:"name" json:"name"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

type Program struct {
	ID              string    `db:"id" json:"id"`
	EstablishmentID string    `db:"establishment_id" json:"establishment_id"`
	DepartmentID    string    `db:"department_id" json:"department_id"`
	LevelID         string    `db:"level_id" json:"level_id"`
	Code            string    `db:"code" json:"code"`
	Name            string    `db:"name" json:"name"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}
