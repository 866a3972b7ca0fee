// Package operation names the mutating operations that go through admission.
package operation

type Kind string

const (
	Register   Kind = "register"
	Login      Kind = "login"
	CreatePost Kind = "create-post"
	AddComment Kind = "add-comment"
)

// All lists every admitted operation.
var All = []Kind{Register, Login, CreatePost, AddComment}

// Public operations may be admitted without a principal.
func (k Kind) Public() bool {
	return k == Register || k == Login
}

func (k Kind) Valid() bool {
	for _, known := range All {
		if k == known {
			return true
		}
	}
	return false
}
