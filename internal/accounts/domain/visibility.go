package domain

// Visibility controls whether account-listing calls expose an account to a
// given package. The user-managed levels carry the same boolean sense as
// their plain counterparts but record that a person, not an authenticator,
// made the choice.
type Visibility int

const (
	// VisibilityUndefined means no explicit entry exists for the package.
	VisibilityUndefined Visibility = 0
	// VisibilityVisible exposes the account to the package.
	VisibilityVisible Visibility = 1
	// VisibilityUserManagedVisible exposes the account by user decision.
	VisibilityUserManagedVisible Visibility = 2
	// VisibilityNotVisible hides the account from the package.
	VisibilityNotVisible Visibility = 3
	// VisibilityUserManagedNotVisible hides the account by user decision.
	VisibilityUserManagedNotVisible Visibility = 4
)

// Defined reports whether the level is an explicit entry.
func (v Visibility) Defined() bool {
	return v != VisibilityUndefined
}

// Visible reports whether the level exposes the account.
func (v Visibility) Visible() bool {
	return v == VisibilityVisible || v == VisibilityUserManagedVisible
}

// Valid reports whether the level is one of the known values.
func (v Visibility) Valid() bool {
	return v >= VisibilityUndefined && v <= VisibilityUserManagedNotVisible
}
