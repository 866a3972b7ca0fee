package auth

// Principal is the caller identity derived from a verified credential.
type Principal struct {
	ID          string
	Email       string
	DisplayName string
}

func principalFromClaims(claims Claims) Principal {
	return Principal{
		ID:          claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
	}
}
