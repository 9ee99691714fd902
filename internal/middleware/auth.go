package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rottym/fambam/internal/auth"
	"github.com/rottym/fambam/internal/store"
)

// Identity headers, set by the upstream proxy that authenticated the user.
const (
	HeaderMemberID = "X-Member-ID"
	HeaderFamilyID = "X-Family-ID"
)

// Identity resolves the identity headers into an auth.Actor. The member must
// exist and belong to the named family.
func Identity(members *store.MemberStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			memberID, err1 := strconv.ParseInt(r.Header.Get(HeaderMemberID), 10, 64)
			familyID, err2 := strconv.ParseInt(r.Header.Get(HeaderFamilyID), 10, 64)
			if err1 != nil || err2 != nil {
				deny(w, http.StatusUnauthorized, "missing identity")
				return
			}

			m, err := members.GetByID(r.Context(), memberID)
			if err != nil {
				deny(w, http.StatusInternalServerError, "something went wrong")
				return
			}
			if m == nil || m.FamilyID != familyID {
				deny(w, http.StatusUnauthorized, "unknown member")
				return
			}

			ctx := auth.WithActor(r.Context(), auth.Actor{
				MemberID: m.ID,
				FamilyID: m.FamilyID,
				Role:     m.Role,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireParent lets only parent members through.
func RequireParent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsParent(r.Context()) {
			deny(w, http.StatusForbidden, "not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
