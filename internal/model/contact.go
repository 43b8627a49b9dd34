package model

// Recipient is a contact resolved for a campaign send.
type Recipient struct {
	ContactID int64  `db:"id"`
	Email     string `db:"email"`
	FirstName string `db:"first_name"`
	LastName  string `db:"last_name"`
	Company   string `db:"company"`
	JobTitle  string `db:"job_title"`
}
