package schema

import "strings"

type RegisterInput struct {
	Name     string `json:"name" validate:"required,min=5,max=30"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=20"`
}

type LoginInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=20"`
}

type CreatePostInput struct {
	Title    string   `json:"title" validate:"required,min=10,max=200"`
	Content  string   `json:"content" validate:"required,min=20"`
	Category string   `json:"category" validate:"required,max=64"`
	Media    []string `json:"media" validate:"omitempty,max=10,dive,required,url"`
}

type AddCommentInput struct {
	PostID  string `json:"postId" validate:"required"`
	Content string `json:"content" validate:"required,min=5,max=5000"`
}

// CandidateEmail is the address the abuse gate classifies.
func (in RegisterInput) CandidateEmail() string { return in.Email }

func (in LoginInput) CandidateEmail() string { return in.Email }

// ShieldFields are the free-text fields inspected by the shield rule.
func (in CreatePostInput) ShieldFields() map[string]string {
	return map[string]string{"title": in.Title, "content": in.Content, "category": in.Category}
}

func (in AddCommentInput) ShieldFields() map[string]string {
	return map[string]string{"content": in.Content}
}

// CoverImage is the first media URL, if any.
func (in CreatePostInput) CoverImage() *string {
	if len(in.Media) == 0 {
		return nil
	}
	url := in.Media[0]
	return &url
}

func (in *RegisterInput) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
}

func (in *LoginInput) normalize() {
	in.Email = strings.TrimSpace(in.Email)
}

func (in *CreatePostInput) normalize() {
	in.Title = strings.TrimSpace(in.Title)
	in.Content = strings.TrimSpace(in.Content)
	in.Category = strings.TrimSpace(in.Category)
	for i := range in.Media {
		in.Media[i] = strings.TrimSpace(in.Media[i])
	}
}

func (in *AddCommentInput) normalize() {
	in.PostID = strings.TrimSpace(in.PostID)
	in.Content = strings.TrimSpace(in.Content)
}
