package store

import (
	"context"
	"encoding/json"
	"fmt"

	"aegis/pkg/models"
)

// ProfileRepo holds enrolled identity data used to verify rebinding. Answers
// are stored as a JSON object of question ID to answer hash.
type ProfileRepo struct {
	DB DB
}

func (r *ProfileRepo) Profile(ctx context.Context, user string) (*models.IdentityProfile, error) {
	var (
		p       models.IdentityProfile
		answers []byte
	)
	row := r.DB.QueryRow(ctx, `
		SELECT username, aadhaar_last4, pan, answers FROM identity_profiles WHERE username=$1
	`, user)
	if err := row.Scan(&p.User, &p.AadhaarLast4, &p.PAN, &answers); err != nil {
		return nil, mapErr(err)
	}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &p.Answers); err != nil {
			return nil, fmt.Errorf("decode answers for %s: %w", user, err)
		}
	}
	return &p, nil
}

func (r *ProfileRepo) Upsert(ctx context.Context, p models.IdentityProfile) error {
	answers, err := json.Marshal(p.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	_, err = r.DB.Exec(ctx, `
		INSERT INTO identity_profiles (username, aadhaar_last4, pan, answers)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (username) DO UPDATE SET aadhaar_last4=EXCLUDED.aadhaar_last4, pan=EXCLUDED.pan, answers=EXCLUDED.answers
	`, p.User, p.AadhaarLast4, p.PAN, answers)
	return mapErr(err)
}
