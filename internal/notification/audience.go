package notification

import (
	"slices"
)

// Role はユーザーのロール。
type Role string

const (
	RoleUser     Role = "user"
	RoleMechanic Role = "mechanic"
	RoleAdmin    Role = "admin"
)

// AllRoles は既知のすべてのロール。Broadcastはこの集合で表現する。
var AllRoles = []Role{RoleUser, RoleMechanic, RoleAdmin}

// Valid は既知のロールかどうかを返す。
func (r Role) Valid() bool {
	return slices.Contains(AllRoles, r)
}

// Recipient は通知の受信者。配信先の解決ではメールアドレスとロールのみを参照する。
type Recipient struct {
	Email string `json:"email" bson:"email"`
	Role  Role   `json:"role" bson:"role"`
}

// Predicate は配信対象の条件。
// Emailが空でなければ完全一致、そうでなければRolesへの所属で判定する。
type Predicate struct {
	Email string
	Roles []Role
}

// ExactEmail はメールアドレスが完全一致する受信者を対象にする。
func ExactEmail(email string) Predicate {
	return Predicate{Email: email}
}

// RoleIn はロールが指定集合に含まれる受信者を対象にする。
func RoleIn(roles ...Role) Predicate {
	return Predicate{Roles: slices.Clone(roles)}
}

// Broadcast は既知の全ロールを対象にする。
func Broadcast() Predicate {
	return RoleIn(AllRoles...)
}

// Matches は受信者が条件を満たすかどうかを返す。
func (p Predicate) Matches(r Recipient) bool {
	if p.Email != "" {
		return r.Email == p.Email
	}
	return slices.Contains(p.Roles, r.Role)
}

// Audience は条件の和集合。いずれかの条件を満たす受信者が対象になる。
type Audience []Predicate

// Matches は受信者がいずれかの条件を満たすかどうかを返す。
func (a Audience) Matches(r Recipient) bool {
	for _, p := range a {
		if p.Matches(r) {
			return true
		}
	}
	return false
}

// Emails は完全一致条件のメールアドレスを重複なく返す。
func (a Audience) Emails() []string {
	var out []string
	for _, p := range a {
		if p.Email != "" && !slices.Contains(out, p.Email) {
			out = append(out, p.Email)
		}
	}
	return out
}

// Roles はロール条件のロールを重複なく返す。
func (a Audience) Roles() []Role {
	var out []Role
	for _, p := range a {
		if p.Email != "" {
			continue
		}
		for _, r := range p.Roles {
			if !slices.Contains(out, r) {
				out = append(out, r)
			}
		}
	}
	return out
}

// Empty は対象となり得る受信者がいないかどうかを返す。
func (a Audience) Empty() bool {
	return len(a.Emails()) == 0 && len(a.Roles()) == 0
}

// Filter は受信者を条件で絞り込み、メールアドレスで重複を除いて返す。
// ストアの検索結果に対して適用し、解決処理を条件のみに依存させる。
func (a Audience) Filter(candidates []Recipient) []Recipient {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]Recipient, 0, len(candidates))
	for _, r := range candidates {
		if r.Email == "" || !a.Matches(r) {
			continue
		}
		if _, dup := seen[r.Email]; dup {
			continue
		}
		seen[r.Email] = struct{}{}
		out = append(out, r)
	}
	return out
}
