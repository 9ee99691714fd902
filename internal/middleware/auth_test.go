package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rottym/fambam/internal/auth"
	"github.com/rottym/fambam/internal/changefeed"
	"github.com/rottym/fambam/internal/database"
	"github.com/rottym/fambam/internal/logging"
	"github.com/rottym/fambam/internal/model"
	"github.com/rottym/fambam/internal/store"
)

type identityFixture struct {
	members  *store.MemberStore
	familyID int64
	parent   *model.Member
	child    *model.Member
}

func setupIdentity(t *testing.T) identityFixture {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	log := store.NewChangeLog(db, changefeed.New(logging.Discard()))
	members := store.NewMemberStore(db, log)
	fam, err := store.NewFamilyStore(db).Create(ctx, "Rivera")
	if err != nil {
		t.Fatalf("create family: %v", err)
	}
	parent, err := members.Create(ctx, fam.ID, "Ana", model.RoleParent)
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	child, err := members.Create(ctx, fam.ID, "Leo", model.RoleChild)
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	return identityFixture{members: members, familyID: fam.ID, parent: parent, child: child}
}

func identityRequest(memberID, familyID int64) *http.Request {
	req := httptest.NewRequest("GET", "/api/anything", nil)
	req.Header.Set(HeaderMemberID, strconv.FormatInt(memberID, 10))
	req.Header.Set(HeaderFamilyID, strconv.FormatInt(familyID, 10))
	return req
}

func TestIdentityMissingHeaders(t *testing.T) {
	f := setupIdentity(t)

	handler := Identity(f.members)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestIdentityUnknownMember(t *testing.T) {
	f := setupIdentity(t)

	handler := Identity(f.members)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, identityRequest(9999, f.familyID))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestIdentityWrongFamily(t *testing.T) {
	f := setupIdentity(t)

	handler := Identity(f.members)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, identityRequest(f.child.ID, f.familyID+1))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestIdentitySetsActor(t *testing.T) {
	f := setupIdentity(t)

	var got auth.Actor
	handler := Identity(f.members)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, identityRequest(f.child.ID, f.familyID))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got.MemberID != f.child.ID || got.FamilyID != f.familyID || got.Role != model.RoleChild {
		t.Errorf("actor = %+v", got)
	}
}

func TestRequireParent(t *testing.T) {
	f := setupIdentity(t)

	reached := false
	handler := Identity(f.members)(RequireParent(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, identityRequest(f.child.ID, f.familyID))
	if rec.Code != http.StatusForbidden {
		t.Errorf("child status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if reached {
		t.Error("child reached parent-only handler")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, identityRequest(f.parent.ID, f.familyID))
	if !reached {
		t.Errorf("parent did not reach handler, status %d", rec.Code)
	}
}
