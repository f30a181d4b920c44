package linkstore

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// seedEntry is one item of LINK_SEED_FILE:
//
//	links:
//	  - handle: acme
//	    user_id: 7d0c...
//	    username: jdoe
//	    backend_user_id: "17"
//	    base_url: https://acme.example.org/webchart.cgi
//	    connect_token: ...
//	    valid: false        # optional, stores the link revoked
type seedEntry struct {
	Handle        string `yaml:"handle"`
	UserID        string `yaml:"user_id"`
	Username      string `yaml:"username"`
	BackendUserID string `yaml:"backend_user_id"`
	BaseURL       string `yaml:"base_url"`
	Origin        string `yaml:"origin"`
	ConnectToken  string `yaml:"connect_token"`
	Valid         *bool  `yaml:"valid"`
}

// SeedFromFile upserts every entry in path and returns how many were applied.
func SeedFromFile(ctx context.Context, st Store, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return Seed(ctx, st, raw)
}

func Seed(ctx context.Context, st Store, raw []byte) (int, error) {
	var doc struct {
		Links []seedEntry `yaml:"links"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("parse seed: %w", err)
	}
	for i, e := range doc.Links {
		if strings.TrimSpace(e.Handle) == "" || e.BackendUserID == "" || e.ConnectToken == "" {
			return i, fmt.Errorf("seed entry %d: handle, backend_user_id and connect_token are required", i)
		}
		if _, _, err := st.Upsert(ctx, Update{
			Handle:        e.Handle,
			UserID:        e.UserID,
			Username:      e.Username,
			BackendUserID: e.BackendUserID,
			BaseURL:       e.BaseURL,
			Origin:        e.Origin,
			ConnectToken:  e.ConnectToken,
		}); err != nil {
			return i, err
		}
		if e.Valid != nil && !*e.Valid {
			if err := st.SetValid(ctx, e.Handle, false); err != nil {
				return i, err
			}
		}
	}
	return len(doc.Links), nil
}
