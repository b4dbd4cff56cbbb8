package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"mnemos/internal/envelope"
	"mnemos/internal/llm"
	"mnemos/internal/logging"
	"mnemos/internal/search"
	"mnemos/internal/session"
	"mnemos/internal/store"
	"mnemos/internal/types"
)

const (
	chatPassages     = 6
	chatExcerptRunes = 600
	chatWriteWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Single-user local service; the bearer token is the access control.
	CheckOrigin: func(*http.Request) bool { return true },
}

// chatFrame is every message on the wire, both directions.
type chatFrame struct {
	Type           string           `json:"type"`
	Token          string           `json:"token,omitempty"`           // auth
	Text           string           `json:"text,omitempty"`            // question
	ConversationID string           `json:"conversation_id,omitempty"` // question / title_update
	Value          string           `json:"value,omitempty"`           // token
	IDs            []types.MemoryID `json:"ids,omitempty"`             // sources
	Title          string           `json:"title,omitempty"`           // title_update
	Message        string           `json:"message,omitempty"`         // error
}

// GET /ws/chat
// Frame order per question: sources before done, tokens in produced order,
// at most one title_update, exactly one done or error.
func (s *Server) handleChat(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	log := logging.Get(logging.CategoryAPI)

	// First frame must authenticate.
	var auth chatFrame
	if err := conn.ReadJSON(&auth); err != nil || auth.Type != "auth" {
		writeFrame(conn, chatFrame{Type: "error", Message: "expected auth frame"})
		return
	}
	if err := s.tokens.verify(auth.Token, "access"); err != nil {
		writeFrame(conn, chatFrame{Type: "error", Message: "invalid token"})
		return
	}

	for {
		var q chatFrame
		if err := conn.ReadJSON(&q); err != nil {
			return
		}
		if q.Type != "question" || q.Text == "" {
			writeFrame(conn, chatFrame{Type: "error", Message: "expected question frame"})
			continue
		}
		s.sess.Touch()
		if err := s.answer(c.Request.Context(), conn, q); err != nil {
			log.Warnw("chat turn failed", "error", err)
			writeFrame(conn, chatFrame{Type: "error", Message: err.Error()})
		}
	}
}

// answer runs one retrieval-augmented turn.
func (s *Server) answer(ctx context.Context, conn *websocket.Conn, q chatFrame) error {
	convo, firstTurn, err := s.conversationFor(ctx, q.ConversationID)
	if err != nil {
		return err
	}

	if err := s.persistMessage(ctx, convo.ID, types.RoleUser, q.Text, nil); err != nil {
		return err
	}

	res, err := s.src.Search(ctx, q.Text, types.ModeHybrid, chatPassages)
	if err != nil {
		return err
	}
	passages, cited, err := s.passagesFor(ctx, res.Hits)
	if err != nil {
		return err
	}
	if err := writeFrame(conn, chatFrame{Type: "sources", IDs: cited, ConversationID: convo.ID}); err != nil {
		return err
	}

	system, prompt := llm.AnswerPrompt(q.Text, passages)
	deltas, errs := s.llm.Stream(ctx, system, prompt)
	var full string
	for delta := range deltas {
		full += delta
		if err := writeFrame(conn, chatFrame{Type: "token", Value: delta}); err != nil {
			return err
		}
	}
	if err := <-errs; err != nil {
		return err
	}

	if err := s.persistMessage(ctx, convo.ID, types.RoleAssistant, full, cited); err != nil {
		return err
	}

	if firstTurn {
		if title := s.generateTitle(ctx, q.Text); title != "" {
			if err := s.st.UpdateConversationTitle(ctx, convo.ID, title); err == nil {
				writeFrame(conn, chatFrame{Type: "title_update", ConversationID: convo.ID, Title: title})
			}
		}
	}
	return writeFrame(conn, chatFrame{Type: "done", ConversationID: convo.ID})
}

func (s *Server) conversationFor(ctx context.Context, id string) (*store.Conversation, bool, error) {
	if id == "" {
		convo, err := s.st.CreateConversation(ctx)
		return convo, true, err
	}
	convo, err := s.st.GetConversation(ctx, id)
	return convo, false, err
}

// passagesFor decrypts excerpts for the prompt, skipping hits whose memory
// went away between search and fetch.
func (s *Server) passagesFor(ctx context.Context, hits []search.Result) ([]llm.Passage, []types.MemoryID, error) {
	var passages []llm.Passage
	var cited []types.MemoryID
	err := s.sess.WithKeys(func(k *session.Keys) error {
		for _, hit := range hits {
			mem, err := s.st.GetMemory(ctx, hit.MemoryID, false)
			if err != nil {
				if types.KindOf(err) == types.KindNotFound {
					continue
				}
				return err
			}
			open := func(env []byte) (string, error) {
				if len(env) == 0 {
					return "", nil
				}
				e, err := envelope.Unmarshal(env)
				if err != nil {
					return "", err
				}
				plain, err := envelope.Open(k.KEK, e)
				if err != nil {
					return "", err
				}
				return string(plain), nil
			}
			title, err := open(mem.TitleEnv)
			if err != nil {
				return err
			}
			content, err := open(mem.ContentEnv)
			if err != nil {
				return err
			}
			if content == "" && title == "" {
				continue
			}
			if runes := []rune(content); len(runes) > chatExcerptRunes {
				content = string(runes[:chatExcerptRunes])
			}
			passages = append(passages, llm.Passage{
				MemoryID: mem.ID, Title: title, Excerpt: content,
			})
			cited = append(cited, mem.ID)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return passages, cited, nil
}

func (s *Server) persistMessage(ctx context.Context, convoID string, role types.ChatRole, text string, cited []types.MemoryID) error {
	var env []byte
	err := s.sess.WithKeys(func(k *session.Keys) error {
		e, err := envelope.Seal(k.KEK, []byte(text))
		if err != nil {
			return err
		}
		env, err = e.Marshal()
		return err
	})
	if err != nil {
		return err
	}
	return s.st.AppendMessage(ctx, &store.ConversationMessage{
		ConversationID: convoID,
		Role:           role,
		ContentEnv:     env,
		CitedIDs:       cited,
	})
}

// generateTitle asks the model for a short thread title. Failure is not an
// error; the thread just stays untitled.
func (s *Server) generateTitle(ctx context.Context, firstMessage string) string {
	system, prompt := llm.TitlePrompt(firstMessage)
	title, err := s.llm.Complete(ctx, system, prompt)
	if err != nil {
		return ""
	}
	if len([]rune(title)) > 80 {
		title = string([]rune(title)[:80])
	}
	return title
}

func writeFrame(conn *websocket.Conn, f chatFrame) error {
	conn.SetWriteDeadline(time.Now().Add(chatWriteWait))
	return conn.WriteJSON(f)
}

// GET /api/conversations
func (s *Server) handleListConversations(c *gin.Context) {
	convos, err := s.st.ListConversations(c.Request.Context())
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convos})
}

// GET /api/conversations/:id/messages
func (s *Server) handleListMessages(c *gin.Context) {
	msgs, err := s.st.ListMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortErr(c, err)
		return
	}
	views := make([]gin.H, 0, len(msgs))
	err = s.sess.WithKeys(func(k *session.Keys) error {
		for _, m := range msgs {
			e, err := envelope.Unmarshal(m.ContentEnv)
			if err != nil {
				return err
			}
			plain, err := envelope.Open(k.KEK, e)
			if err != nil {
				return err
			}
			views = append(views, gin.H{
				"id":         m.ID,
				"seq":        m.Seq,
				"role":       m.Role,
				"content":    string(plain),
				"cited_ids":  m.CitedIDs,
				"created_at": m.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": views})
}
