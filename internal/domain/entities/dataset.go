package entities

import "time"

// Dataset is a table of rows whose cells the engine enriches
type Dataset struct {
	ID        string         `json:"id" db:"id"`
	Name      string         `json:"name" db:"name"`
	OwnerID   string         `json:"owner_id" db:"owner_id"`
	Columns   []ColumnSchema `json:"columns"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// Column returns the schema of the named column.
func (d *Dataset) Column(id string) (ColumnSchema, bool) {
	for _, c := range d.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return ColumnSchema{}, false
}
