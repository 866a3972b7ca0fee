package store

import (
	"bytes"
	"encoding/json"
)

// AuthorJSON encodes a normalized author reference. A nil id encodes as no value.
func AuthorJSON(userID *string) json.RawMessage {
	if userID == nil || *userID == "" {
		return nil
	}
	raw, _ := json.Marshal(authorDoc{UserID: *userID})
	return raw
}

// LegacyAuthorJSON encodes a free-text author the way older records stored it.
func LegacyAuthorJSON(text string) json.RawMessage {
	raw, _ := json.Marshal(text)
	return raw
}

// AuthorIDFromJSON returns the user id of a normalized author reference.
// Anything else, including a legacy free-text author, reads as no author.
func AuthorIDFromJSON(raw json.RawMessage) *string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var doc authorDoc
	if err := json.Unmarshal(raw, &doc); err != nil || doc.UserID == "" {
		return nil
	}
	id := doc.UserID
	return &id
}

func nullableJSON(raw json.RawMessage) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return string(raw)
}

func decodeComments(raw []byte) ([]commentDoc, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var docs []commentDoc
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func commentsFromDocs(docs []commentDoc) []Comment {
	comments := make([]Comment, 0, len(docs))
	for _, doc := range docs {
		comments = append(comments, Comment{
			ID:        doc.ID,
			Content:   doc.Content,
			AuthorID:  AuthorIDFromJSON(doc.Author),
			CreatedAt: doc.CreatedAt,
		})
	}
	return comments
}

// decodeCommentAuthors reads only the id and author of each comment, so
// legacy documents whose other fields no longer match commentDoc (an
// extended-JSON createdAt, say) can still be repaired.
func decodeCommentAuthors(raw []byte) ([]CommentAuthor, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var docs []commentAuthorDoc
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, err
	}
	out := make([]CommentAuthor, 0, len(docs))
	for i, doc := range docs {
		out = append(out, CommentAuthor{Index: i, CommentID: doc.id(), Author: doc.Author})
	}
	return out, nil
}
