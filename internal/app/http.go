package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"inkwell/api/internal/admission"
	"inkwell/api/internal/auth"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/operation"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
	"inkwell/api/internal/telemetry"
)

const (
	tokenCookie = "token"
	// suspiciousHeader is set by the edge proxy when it flags a request.
	suspiciousHeader = "X-Inkwell-Suspicious"
	maxBodyBytes     = 1 << 20
)

type HTTPServer struct {
	service        *Service
	corsOrigin     string
	// trustedProxies are the peers whose X-Forwarded-For is believed.
	trustedProxies []*net.IPNet
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:        service,
		corsOrigin:     corsOrigin,
		trustedProxies: parseCIDRs(service.cfg.TrustedProxies),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(telemetry.HTTPMiddleware("inkwell-api"))
	r.Use(s.globalRateLimit)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)

	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)
	r.Post("/api/auth/logout", s.handleLogout)
	r.Get("/api/auth/me", s.handleMe)

	r.Get("/api/posts", s.handleListPosts)
	r.Post("/api/posts", s.handleCreatePost)
	r.Get("/api/posts/{postID}", s.handleGetPost)
	r.Post("/api/posts/{postID}/comments", s.handleAddComment)
	r.Get("/api/search", s.handleSearch)

	r.Post("/api/admin/repair-authors", s.handleRepairAuthors)
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Readiness(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := s.admissionRequest(w, r, operation.Register)
	if !ok {
		return
	}
	user, err := s.service.Register(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"userId": user.ID})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := s.admissionRequest(w, r, operation.Login)
	if !ok {
		return
	}
	session, err := s.service.Login(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    session.Token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   strings.HasPrefix(s.service.cfg.PublicURL, "https://"),
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     session.Token,
		"expiresAt": session.ExpiresAt.UTC().Format(time.RFC3339),
		"user":      userJSON(session.User),
	})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Logout(r.Context(), credential(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request) {
	profile, err := s.service.Me(r.Context(), credential(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	body := userJSON(profile.User)
	body["role"] = profile.Role
	writeJSON(w, http.StatusOK, body)
}

func (s *HTTPServer) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	req, ok := s.admissionRequest(w, r, operation.CreatePost)
	if !ok {
		return
	}
	post, err := s.service.CreatePost(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, postJSON(post))
}

func (s *HTTPServer) handleListPosts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	posts, err := s.service.ListPosts(r.Context(), store.PostQuery{
		Category: query.Get("category"),
		Limit:    queryInt(query.Get("limit")),
		Offset:   queryInt(query.Get("offset")),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(posts))
	for _, post := range posts {
		items = append(items, postJSON(post))
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": items})
}

func (s *HTTPServer) handleGetPost(w http.ResponseWriter, r *http.Request) {
	post, err := s.service.GetPost(r.Context(), chi.URLParam(r, "postID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, postJSON(post))
}

func (s *HTTPServer) handleAddComment(w http.ResponseWriter, r *http.Request) {
	req, ok := s.admissionRequest(w, r, operation.AddComment)
	if !ok {
		return
	}
	req.RawPayload = withPostID(req.RawPayload, chi.URLParam(r, "postID"))
	comment, err := s.service.AddComment(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, commentJSON(comment))
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), search.Query{
		Text:     query.Get("q"),
		Category: query.Get("category"),
		Limit:    queryInt(query.Get("limit")),
		Offset:   queryInt(query.Get("offset")),
	}))
}

func (s *HTTPServer) handleRepairAuthors(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DryRun bool `json:"dryRun"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	report, err := s.service.RepairAuthors(r.Context(), credential(r), body.DryRun)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// admissionRequest reads the raw body and source metadata of a mutating call.
func (s *HTTPServer) admissionRequest(w http.ResponseWriter, r *http.Request, op operation.Kind) (admission.Request, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "VALIDATION_ERROR", "Request body too large", nil)
		return admission.Request{}, false
	}
	return admission.Request{
		Operation:  op,
		Credential: credential(r),
		RawPayload: raw,
		Source:     s.sourceMetadata(r),
	}, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf(`{"request_id":%q,"path":%q,"error":%q}`, requestID(r.Context()), r.URL.Path, err.Error())
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) sourceMetadata(r *http.Request) admission.SourceMetadata {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	delete(headers, "authorization")
	delete(headers, "cookie")
	return admission.SourceMetadata{
		IP:         s.clientIP(r),
		UserAgent:  r.UserAgent(),
		Headers:    headers,
		Suspicious: strings.EqualFold(strings.TrimSpace(r.Header.Get(suspiciousHeader)), "true"),
	}
}

// clientIP is the peer address, or the first X-Forwarded-For entry (then
// X-Real-IP) when the peer is a trusted proxy.
func (s *HTTPServer) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if candidate := parseIP(first); candidate != "" {
				return candidate
			}
		}
		if realIP := parseIP(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *HTTPServer) isTrustedProxy(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, cidr := range s.trustedProxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// parseCIDRs accepts CIDR blocks and bare addresses. Invalid entries are
// skipped.
func parseCIDRs(entries []string) []*net.IPNet {
	var out []*net.IPNet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				log.Printf("ignoring invalid trusted proxy %q", entry)
				continue
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, cidr, err := net.ParseCIDR(entry)
		if err != nil {
			log.Printf("ignoring invalid trusted proxy %q", entry)
			continue
		}
		out = append(out, cidr)
	}
	return out
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && net.ParseIP(host) != nil {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

// withPostID sets postId from the route. Bodies that are not JSON objects
// are passed through for the validator to reject.
func withPostID(raw []byte, postID string) []byte {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		return raw
	}
	encoded, err := json.Marshal(postID)
	if err != nil {
		return raw
	}
	body["postId"] = encoded
	out, err := json.Marshal(body)
	if err != nil {
		return raw
	}
	return out
}

func userJSON(user store.User) map[string]any {
	return map[string]any{
		"id":        user.ID,
		"username":  user.Username,
		"email":     user.Email,
		"isPremium": user.IsPremium,
	}
}

func authorJSON(id *string, name string) any {
	if id == nil {
		return nil
	}
	return map[string]any{"id": *id, "name": name}
}

func postJSON(post store.Post) map[string]any {
	out := map[string]any{
		"id":           post.ID,
		"title":        post.Title,
		"content":      post.Content,
		"coverImage":   post.CoverImage,
		"category":     post.Category,
		"author":       authorJSON(post.AuthorID, post.AuthorName),
		"commentCount": post.CommentCount,
		"createdAt":    post.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":    post.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if post.Comments != nil {
		comments := make([]map[string]any, 0, len(post.Comments))
		for _, comment := range post.Comments {
			comments = append(comments, commentJSON(comment))
		}
		out["comments"] = comments
	}
	return out
}

func commentJSON(comment store.Comment) map[string]any {
	return map[string]any{
		"id":        comment.ID,
		"content":   comment.Content,
		"author":    authorJSON(comment.AuthorID, comment.AuthorName),
		"createdAt": comment.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func queryInt(raw string) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return value
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

// globalRateLimit charges every request except health and readiness checks
// against the caller's global bucket.
func (s *HTTPServer) globalRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" || r.URL.Path == "/api/ready" {
			next.ServeHTTP(w, r)
			return
		}
		decision, err := s.service.AllowRequest(r.Context(), s.clientIP(r))
		if err != nil {
			s.fail(w, r, fmt.Errorf("global rate limit: %w", err))
			return
		}
		if decision.Denied() {
			s.fail(w, r, errRateLimited(decision))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	if corsOrigin != "*" {
		header.Set("Access-Control-Allow-Credentials", "true")
	}
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// credential prefers the Authorization header over the token cookie.
func credential(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	if cookie, err := r.Cookie(tokenCookie); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var admissionErr *admission.Error
	if errors.As(err, &admissionErr) {
		switch admissionErr.Kind {
		case admission.KindInvalidInput:
			return admissionErr.Status(), "VALIDATION_ERROR", admissionErr.UserMessage(), admissionErr.Fields
		case admission.KindUnauthorized:
			return admissionErr.Status(), "UNAUTHORIZED", admissionErr.UserMessage(), nil
		case admission.KindBlocked:
			code := "BLOCKED"
			if admissionErr.Status() == http.StatusTooManyRequests {
				code = "RATE_LIMITED"
			}
			return admissionErr.Status(), code, admissionErr.UserMessage(), map[string]any{"reason": admissionErr.Reason}
		default:
			return http.StatusInternalServerError, "SERVER_ERROR", admissionErr.UserMessage(), nil
		}
	}
	if errors.Is(err, authpw.ErrEmailExists) {
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	}
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
