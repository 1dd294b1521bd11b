package settings

import (
	"path/filepath"
	"testing"
)

func TestSecretsStore_SetGetClear(t *testing.T) {
	t.Parallel()

	s := NewSecretsStore(filepath.Join(t.TempDir(), "secrets.json"))

	if ok, err := s.HasProviderAPIKey("openai"); err != nil || ok {
		t.Fatalf("has=%v err=%v, want absent", ok, err)
	}
	if err := s.SetProviderAPIKey("openai", "sk-test-123"); err != nil {
		t.Fatalf("SetProviderAPIKey: %v", err)
	}
	key, ok, err := s.GetProviderAPIKey("openai")
	if err != nil || !ok || key != "sk-test-123" {
		t.Fatalf("key=%q ok=%v err=%v", key, ok, err)
	}
	if err := s.ClearProviderAPIKey("openai"); err != nil {
		t.Fatalf("ClearProviderAPIKey: %v", err)
	}
	if ok, _ := s.HasProviderAPIKey("openai"); ok {
		t.Fatal("key survived clear")
	}
}

func TestSecretsStore_RejectsEmptyInputs(t *testing.T) {
	t.Parallel()

	s := NewSecretsStore(filepath.Join(t.TempDir(), "secrets.json"))
	if err := s.SetProviderAPIKey("", "sk-x"); err == nil {
		t.Fatal("empty provider id accepted")
	}
	if err := s.SetProviderAPIKey("openai", "   "); err == nil {
		t.Fatal("blank api key accepted")
	}
}
