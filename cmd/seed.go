package cmd

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jmehdipour/campaign-mailer/internal/config"
	"github.com/jmehdipour/campaign-mailer/internal/db"
	"github.com/jmehdipour/campaign-mailer/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with a demo template, contacts and a draft campaign",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// 2) connect MySQL
		sqlDB, err := db.NewMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		log.Println(">> Seeding demo campaign...")

		id, err := seedDemo(sqlDB)
		if err != nil {
			return err
		}

		log.Printf(">> Seed completed, draft campaign id=%d", id)
		return nil
	},
}

const demoTemplateBody = `<html><body>
<p>Hi {{FirstName}},</p>
{{#if Company}}<p>We built this for teams like {{Company}}.</p>{{else}}<p>We built this for teams like yours.</p>{{/if}}
<p><a href="https://example.com/launch">See what's new</a></p>
</body></html>`

var demoContacts = []model.Recipient{
	{Email: "ann@example.com", FirstName: "Ann", LastName: "Lee", Company: "Acme Corp", JobTitle: "CTO"},
	{Email: "bob@example.com", FirstName: "Bob", LastName: "Stone", Company: "Foobar LLC", JobTitle: "Engineer"},
	{Email: "cat@example.com", FirstName: "Cat", Company: "", JobTitle: ""},
	{Email: "dan@example.com", FirstName: "Dan", LastName: "Moss", Company: "Beta Testers", JobTitle: "PM"},
	{Email: "eve@example.com", FirstName: "Eve", Company: "Express Partner", JobTitle: "Founder"},
}

// seedDemo upserts the demo template and contacts and returns a draft campaign that targets them.
// Re-running resets the demo campaign to draft and drops its delivery logs.
func seedDemo(dbx *sqlx.DB) (int64, error) {
	tx, err := dbx.Beginx()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()

	// idempotent upsert based on name (UNIQUE)
	if _, err := tx.Exec(`
INSERT INTO templates (name, subject, body, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    subject    = VALUES(subject),
    body       = VALUES(body),
    updated_at = VALUES(updated_at)
`, "demo-launch", "{{FirstName}}, see what's new", demoTemplateBody, now, now); err != nil {
		return 0, fmt.Errorf("upsert template: %w", err)
	}
	var templateID int64
	if err := tx.Get(&templateID, `SELECT id FROM templates WHERE name = ?`, "demo-launch"); err != nil {
		return 0, fmt.Errorf("load template id: %w", err)
	}

	var campaignID int64
	err = tx.Get(&campaignID, `SELECT id FROM campaigns WHERE name = ? LIMIT 1`, "Demo launch")
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.Exec(`
INSERT INTO campaigns (name, template_id, status, created_at, updated_at)
VALUES (?, ?, 'draft', ?, ?)
`, "Demo launch", templateID, now, now)
		if err != nil {
			return 0, fmt.Errorf("insert campaign: %w", err)
		}
		if campaignID, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("campaign id: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("load campaign: %w", err)
	default:
		if _, err := tx.Exec(`
UPDATE campaigns SET status = 'draft', completed_at = NULL, updated_at = ? WHERE id = ?
`, now, campaignID); err != nil {
			return 0, fmt.Errorf("reset campaign: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM delivery_logs WHERE campaign_id = ?`, campaignID); err != nil {
			return 0, fmt.Errorf("reset delivery logs: %w", err)
		}
	}

	// idempotent upsert based on email (UNIQUE)
	const upsertContact = `
INSERT INTO contacts (email, first_name, last_name, company, job_title, created_at)
VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?)
ON DUPLICATE KEY UPDATE
    first_name = VALUES(first_name),
    last_name  = VALUES(last_name),
    company    = VALUES(company),
    job_title  = VALUES(job_title)
`
	for _, c := range demoContacts {
		if _, err := tx.Exec(upsertContact, c.Email, c.FirstName, c.LastName, c.Company, c.JobTitle, now); err != nil {
			return 0, fmt.Errorf("upsert contact %q: %w", c.Email, err)
		}
		if _, err := tx.Exec(`
INSERT IGNORE INTO campaign_contacts (campaign_id, contact_id)
SELECT ?, id FROM contacts WHERE email = ?
`, campaignID, c.Email); err != nil {
			return 0, fmt.Errorf("attach contact %q: %w", c.Email, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit seed: %w", err)
	}
	return campaignID, nil
}
