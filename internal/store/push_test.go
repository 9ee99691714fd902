package store

import (
	"context"
	"testing"

	"github.com/rottym/fambam/internal/model"
)

func TestSetToken(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	tok := model.PushToken{Endpoint: "https://push.example.com/sub1", P256dhKey: "p256dh_key1", AuthKey: "auth_key1"}
	m, err := f.push.SetToken(ctx, f.childID, tok)
	if err != nil {
		t.Fatalf("set token: %v", err)
	}
	if !m.HasToken || m.Token == nil {
		t.Fatal("expected token stored")
	}
	if *m.Token != tok {
		t.Errorf("token = %+v, want %+v", *m.Token, tok)
	}

	// Replacing keeps one token per member.
	tok2 := model.PushToken{Endpoint: "https://push.example.com/sub2", P256dhKey: "k2", AuthKey: "a2"}
	m, err = f.push.SetToken(ctx, f.childID, tok2)
	if err != nil {
		t.Fatalf("replace token: %v", err)
	}
	if m.Token.Endpoint != tok2.Endpoint {
		t.Errorf("endpoint = %q, want %q", m.Token.Endpoint, tok2.Endpoint)
	}

	missing, err := f.push.SetToken(ctx, 9999, tok)
	if err != nil {
		t.Fatalf("set token on missing member: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing member")
	}
}

func TestClearTokenIsGuardedByEndpoint(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	f.push.SetToken(ctx, f.childID, model.PushToken{Endpoint: "https://push.example.com/new", P256dhKey: "k", AuthKey: "a"})

	// A failure report for an older token must not clear the new one.
	cleared, err := f.push.ClearToken(ctx, f.childID, "https://push.example.com/old")
	if err != nil {
		t.Fatalf("clear stale token: %v", err)
	}
	if cleared {
		t.Error("stale endpoint should not clear the current token")
	}
	m, _ := f.members.GetByID(ctx, f.childID)
	if !m.HasToken {
		t.Fatal("token should still be stored")
	}

	cleared, err = f.push.ClearToken(ctx, f.childID, "https://push.example.com/new")
	if err != nil {
		t.Fatalf("clear token: %v", err)
	}
	if !cleared {
		t.Error("expected token cleared")
	}
	m, _ = f.members.GetByID(ctx, f.childID)
	if m.HasToken {
		t.Error("token should be gone")
	}

	cleared, err = f.push.ClearToken(ctx, f.childID, "")
	if err != nil {
		t.Fatalf("clear absent token: %v", err)
	}
	if cleared {
		t.Error("nothing to clear")
	}
}

func TestNotificationPreferences(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	enabled, err := f.push.IsPreferenceEnabled(ctx, f.childID, model.NotifTypeChoreApproved)
	if err != nil {
		t.Fatalf("check preference: %v", err)
	}
	if !enabled {
		t.Error("expected enabled by default")
	}

	if err := f.push.SetPreference(ctx, f.childID, model.NotifTypeChoreApproved, false); err != nil {
		t.Fatalf("set preference: %v", err)
	}
	enabled, _ = f.push.IsPreferenceEnabled(ctx, f.childID, model.NotifTypeChoreApproved)
	if enabled {
		t.Error("expected disabled")
	}

	// Upsert flips it back.
	f.push.SetPreference(ctx, f.childID, model.NotifTypeChoreApproved, true)
	f.push.SetPreference(ctx, f.childID, model.NotifTypeEventAssigned, false)

	prefs, err := f.push.GetPreferences(ctx, f.childID)
	if err != nil {
		t.Fatalf("get preferences: %v", err)
	}
	if len(prefs) != 2 {
		t.Fatalf("got %d preferences, want 2", len(prefs))
	}
	for _, p := range prefs {
		switch p.NotificationType {
		case model.NotifTypeChoreApproved:
			if !p.Enabled {
				t.Error("chore_approved should be enabled")
			}
		case model.NotifTypeEventAssigned:
			if p.Enabled {
				t.Error("event_assigned should be disabled")
			}
		}
	}
}
