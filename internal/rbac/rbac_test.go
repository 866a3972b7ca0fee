package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "member read", role: RoleMember, action: ActionRead, allow: true},
		{name: "member post", role: RoleMember, action: ActionPost, allow: true},
		{name: "member comment", role: RoleMember, action: ActionComment, allow: true},
		{name: "member repair", role: RoleMember, action: ActionRepair, allow: false},
		{name: "admin repair", role: RoleAdmin, action: ActionRepair, allow: true},
		{name: "unknown role", role: Role("guest"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestRoleFor(t *testing.T) {
	admins := []string{" Root@Example.com ", "ops@example.com"}
	if got := RoleFor("root@example.com", admins); got != RoleAdmin {
		t.Fatalf("expected admin, got %s", got)
	}
	if got := RoleFor("alice@example.com", admins); got != RoleMember {
		t.Fatalf("expected member, got %s", got)
	}
	if got := RoleFor("", []string{""}); got != RoleMember {
		t.Fatalf("empty email must never be admin, got %s", got)
	}
}
