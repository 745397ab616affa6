package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"brandwatch/internal/adapters/memory"
	"brandwatch/internal/domain"
)

// seedFile is the development fixture format of the memory store.
type seedFile struct {
	Accounts []struct {
		ID   string `yaml:"id"`
		Tier string `yaml:"tier"`
		Role string `yaml:"role"`
	} `yaml:"accounts"`
	Brands []struct {
		ID            string              `yaml:"id"`
		OwnerID       string              `yaml:"owner_id"`
		Name          string              `yaml:"name"`
		Domain        string              `yaml:"domain"`
		Keywords      []string            `yaml:"keywords"`
		SocialHandles map[string][]string `yaml:"social_handles"`
		Paused        bool                `yaml:"paused"`
	} `yaml:"brands"`
}

func loadSeed(path string, mem *memory.Store) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	return applySeed(data, mem)
}

func applySeed(data []byte, mem *memory.Store) error {
	var sf seedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}
	for _, a := range sf.Accounts {
		role := domain.Role(a.Role)
		if role == "" {
			role = domain.RoleUser
		}
		mem.PutAccount(domain.Account{ID: a.ID, Tier: a.Tier, Role: role})
	}
	for _, b := range sf.Brands {
		if b.Name == "" {
			return fmt.Errorf("seed brand %q: name is required", b.ID)
		}
		status := domain.BrandActive
		if b.Paused {
			status = domain.BrandPaused
		}
		mem.PutBrand(domain.Brand{
			ID:            b.ID,
			OwnerID:       b.OwnerID,
			Name:          b.Name,
			Domain:        b.Domain,
			Keywords:      b.Keywords,
			SocialHandles: b.SocialHandles,
			Status:        status,
		})
	}
	return nil
}
