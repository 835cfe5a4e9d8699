// Package mockapi is an in-memory implementation of the remote mailbox API
// used for development and tests.
package mockapi

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailcore/internal/domain"
)

// Message is the server-side record, rendered in the flat payload shape.
type Message struct {
	ID             string   `json:"id"`
	Folder         string   `json:"folder"`
	ThreadID       string   `json:"thread_id,omitempty"`
	From           string   `json:"from"`
	To             []string `json:"to,omitempty"`
	Subject        string   `json:"subject"`
	Snippet        string   `json:"snippet,omitempty"`
	Timestamp      int64    `json:"timestamp"`
	Unread         bool     `json:"unread"`
	Starred        bool     `json:"starred"`
	Labels         []string `json:"labels"`
	ModSeq         uint64   `json:"modseq"`
	Size           int64    `json:"size"`
	HasAttachments bool     `json:"has_attachments"`
}

// Body is either pre-parsed (Text/HTML) or a raw RFC 822 message.
type Body struct {
	ID     string `json:"id"`
	Folder string `json:"folder"`
	Text   string `json:"text,omitempty"`
	HTML   string `json:"html,omitempty"`
	Raw    string `json:"raw,omitempty"`
}

type Folder struct {
	Path       string   `json:"path"`
	Name       string   `json:"name"`
	Attributes []string `json:"attributes,omitempty"`
}

type mailbox struct {
	folders  []Folder
	messages map[string]*Message
	bodies   map[string]Body
	sent     []domain.OutgoingMessage
	modseq   uint64
}

var errNoMessage = errors.New("no such message")

// Server holds every account in memory.
type Server struct {
	logger *logrus.Logger

	mu       sync.Mutex
	accounts map[string]*mailbox
	offline  bool
	failures int
	calls    map[string]int
}

func New(logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Server{
		logger:   logger,
		accounts: make(map[string]*mailbox),
		calls:    make(map[string]int),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests, s.faults)

	r.GET("/v1/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	acct := r.Group("/v1/accounts/:account")
	{
		acct.GET("/folders", s.handleFolders)
		acct.GET("/messages", s.handleMessages)
		acct.POST("/bodies", s.handleBodies)
		acct.PUT("/messages/:id/read", s.handleRead)
		acct.PUT("/messages/:id/star", s.handleStar)
		acct.PUT("/messages/:id/labels", s.handleLabels)
		acct.PUT("/messages/:id/folder", s.handleMove)
		acct.DELETE("/messages/:id", s.handleDelete)
		acct.POST("/send", s.handleSend)
	}

	// Admin endpoints for manual testing
	admin := r.Group("/admin")
	{
		admin.POST("/accounts/:account/seed", s.handleSeed)
		admin.POST("/offline", s.handleOffline)
	}
	return r
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.WithFields(logrus.Fields{
		"method":  c.Request.Method,
		"path":    c.Request.URL.Path,
		"status":  c.Writer.Status(),
		"latency": time.Since(start),
	}).Debug("Mock API request")
}

// faults simulates an unreachable or flaky server.
func (s *Server) faults(c *gin.Context) {
	s.mu.Lock()
	s.calls[c.FullPath()]++
	offline := s.offline && c.Request.URL.Path != "/admin/offline"
	failing := s.failures > 0 && !offline
	if failing {
		s.failures--
	}
	s.mu.Unlock()

	if offline || failing {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"code": "unavailable", "message": "try again later"})
		return
	}
	c.Next()
}

// SetOffline makes every request fail with 503 until reset.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailNext makes the next n requests fail with 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// Calls returns how often the route pattern was hit.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

func (s *Server) box(account string) *mailbox {
	b, ok := s.accounts[account]
	if !ok {
		b = &mailbox{
			folders:  defaultFolders(),
			messages: make(map[string]*Message),
			bodies:   make(map[string]Body),
		}
		s.accounts[account] = b
	}
	return b
}

// AddMessage stores msg and its optional body. A zero ModSeq is assigned.
func (s *Server) AddMessage(account string, msg Message, body *Body) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.box(account)
	b.modseq++
	if msg.ModSeq == 0 {
		msg.ModSeq = b.modseq
	}
	if msg.Labels == nil {
		msg.Labels = []string{}
	}
	m := msg
	b.messages[msg.ID] = &m
	if body != nil {
		bd := *body
		bd.ID, bd.Folder = msg.ID, msg.Folder
		b.bodies[msg.ID] = bd
	}
}

// RemoveMessage deletes a message as if another client had.
func (s *Server) RemoveMessage(account, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.box(account).messages, id)
}

// Message returns a copy of the stored message.
func (s *Server) Message(account, id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.box(account).messages[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Sent returns the messages accepted by the send endpoint.
func (s *Server) Sent(account string) []domain.OutgoingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutgoingMessage(nil), s.box(account).sent...)
}

func (s *Server) handleFolders(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.box(c.Param("account"))
	out := make([]gin.H, 0, len(b.folders))
	for _, f := range b.folders {
		total, unread := 0, 0
		for _, m := range b.messages {
			if m.Folder == f.Path {
				total++
				if m.Unread {
					unread++
				}
			}
		}
		out = append(out, gin.H{
			"path":         f.Path,
			"name":         f.Name,
			"attributes":   f.Attributes,
			"total_count":  total,
			"unread_count": unread,
		})
	}
	c.JSON(http.StatusOK, gin.H{"folders": out})
}

// handleMessages lists a folder newest first. The cursor is the offset of
// the next page.
func (s *Server) handleMessages(c *gin.Context) {
	folder := c.Query("folder")
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "message": "invalid limit"})
		return
	}
	offset := 0
	if cur := c.Query("cursor"); cur != "" {
		offset, err = strconv.Atoi(cur)
		if err != nil || offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "message": "invalid cursor"})
			return
		}
	}

	s.mu.Lock()
	b := s.box(c.Param("account"))
	var list []Message
	for _, m := range b.messages {
		if m.Folder == folder {
			list = append(list, *m)
		}
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].Timestamp != list[j].Timestamp {
			return list[i].Timestamp > list[j].Timestamp
		}
		return list[i].ID < list[j].ID
	})
	total := len(list)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)
	next := ""
	if end < total {
		next = strconv.Itoa(end)
	}
	page := list[offset:end]
	if page == nil {
		page = []Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": page, "nextCursor": next, "total": total})
}

func (s *Server) handleBodies(c *gin.Context) {
	var req struct {
		Folder string   `json:"folder"`
		IDs    []string `json:"ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "message": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.box(c.Param("account"))
	out := make([]Body, 0, len(req.IDs))
	for _, id := range req.IDs {
		m, ok := b.messages[id]
		if !ok {
			continue
		}
		body, ok := b.bodies[id]
		if !ok {
			body = Body{ID: id, Text: m.Snippet}
		}
		body.Folder = m.Folder
		out = append(out, body)
	}
	c.JSON(http.StatusOK, gin.H{"bodies": out})
}

// mutate runs fn on the addressed message under the lock.
func (s *Server) mutate(c *gin.Context, fn func(b *mailbox, m *Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.box(c.Param("account"))
	m, ok := b.messages[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "message": errNoMessage.Error()})
		return
	}
	fn(b, m)
	b.modseq++
	m.ModSeq = b.modseq
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleRead(c *gin.Context) {
	var req struct {
		Unread bool `json:"unread"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "message": err.Error()})
		return
	}
	s.mutate(c, func(_ *mailbox, m *Message) { m.Unread = req.Unread })
}

func (s *Server) handleStar(c *gin.Context) {
	var req struct {
		Starred bool `json:"starred"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "message": err.Error()})
		return
	}
	s.mutate(c, func(_ *mailbox, m *Message) { m.Starred = req.Starred })
}

func (s *Server) handleLabels(c *gin.Context) {
	var req struct {
		Add    []string `json:"add"`
		Remove []string `json:"remove"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "message": err.Error()})
		return
	}
	s.mutate(c, func(_ *mailbox, m *Message) {
		msg := domain.Message{Labels: m.Labels}
		msg.AddLabels(req.Add...)
		msg.RemoveLabels(req.Remove...)
		m.Labels = msg.Labels
	})
}

func (s *Server) handleMove(c *gin.Context) {
	var req struct {
		Folder string `json:"folder" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "message": err.Error()})
		return
	}
	s.mutate(c, func(b *mailbox, m *Message) {
		m.Folder = req.Folder
		if bd, ok := b.bodies[m.ID]; ok {
			bd.Folder = req.Folder
			b.bodies[m.ID] = bd
		}
	})
}

func (s *Server) handleDelete(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.box(c.Param("account"))
	id := c.Param("id")
	if _, ok := b.messages[id]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "message": errNoMessage.Error()})
		return
	}
	delete(b.messages, id)
	delete(b.bodies, id)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSend(c *gin.Context) {
	var msg domain.OutgoingMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "message": err.Error()})
		return
	}
	if len(msg.To) == 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "no_recipients", "message": "message has no recipients"})
		return
	}
	s.mu.Lock()
	b := s.box(c.Param("account"))
	b.sent = append(b.sent, msg)
	s.mu.Unlock()
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (s *Server) handleSeed(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "50"))
	if err != nil || count < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "message": "invalid count"})
		return
	}
	total := s.Seed(c.Param("account"), count)
	c.JSON(http.StatusOK, gin.H{"added": count, "total": total})
}

func (s *Server) handleOffline(c *gin.Context) {
	var req struct {
		Offline bool `json:"offline"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "message": err.Error()})
		return
	}
	s.SetOffline(req.Offline)
	c.JSON(http.StatusOK, gin.H{"offline": req.Offline})
}
