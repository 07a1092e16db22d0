package task

import (
	"strings"
	"time"
)

// Role 消息角色
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// PartType 消息片段类型
type PartType string

const (
	PartTypeText PartType = "text"
	PartTypeData PartType = "data"
	PartTypeFile PartType = "file"
)

// Part is one piece of message or artifact content.
type Part struct {
	Type PartType       `json:"type"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
	File *FilePart      `json:"file,omitempty"`
}

// FilePart references file content either inline or by URI.
type FilePart struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URI      string `json:"uri,omitempty"`
	Bytes    []byte `json:"bytes,omitempty"`
}

// TextPart 构造文本片段
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// DataPart 构造结构化数据片段
func DataPart(data map[string]any) Part {
	return Part{Type: PartTypeData, Data: data}
}

// Message 任务消息，创建后不可修改
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
}

// Text 拼接消息中所有文本片段
func (m Message) Text() string {
	return PartsText(m.Parts)
}

// Artifact 任务产出物
type Artifact struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	Parts       []Part            `json:"parts"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// TaskError 任务失败原因
type TaskError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Task is the canonical record of one unit of work assigned to one agent.
type Task struct {
	ID           string     `json:"id"`
	AgentID      string     `json:"agent_id"`
	State        State      `json:"state"`
	Messages     []Message  `json:"messages"`
	Artifacts    []Artifact `json:"artifacts"`
	Error        *TaskError `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	TenantID     string     `json:"tenant_id,omitempty"`
	UserID       string     `json:"user_id"`
	ParentTaskID string     `json:"parent_task_id,omitempty"`
}

// IsTerminal 任务是否处于终态
func (t *Task) IsTerminal() bool {
	return t.State.IsTerminal()
}

// Clone 深拷贝任务；ApplyEvent 依赖它保证不修改输入
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Messages != nil {
		c.Messages = make([]Message, len(t.Messages))
		for i, m := range t.Messages {
			m.Parts = cloneParts(m.Parts)
			c.Messages[i] = m
		}
	}
	if t.Artifacts != nil {
		c.Artifacts = make([]Artifact, len(t.Artifacts))
		for i, a := range t.Artifacts {
			c.Artifacts[i] = cloneArtifact(a)
		}
	}
	if t.Error != nil {
		e := *t.Error
		e.Details = cloneMap(t.Error.Details)
		c.Error = &e
	}
	return &c
}

// AgentText 拼接所有 agent 消息的文本
func (t *Task) AgentText() string {
	var sb strings.Builder
	for _, m := range t.Messages {
		if m.Role != RoleAgent {
			continue
		}
		if text := m.Text(); text != "" {
			sb.WriteString(text)
		}
	}
	return sb.String()
}

// PartsText 拼接文本片段
func PartsText(parts []Part) string {
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == PartTypeText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func cloneParts(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	out := make([]Part, len(parts))
	for i, p := range parts {
		p.Data = cloneMap(p.Data)
		if p.File != nil {
			f := *p.File
			if p.File.Bytes != nil {
				f.Bytes = append([]byte(nil), p.File.Bytes...)
			}
			p.File = &f
		}
		out[i] = p
	}
	return out
}

func cloneArtifact(a Artifact) Artifact {
	a.Parts = cloneParts(a.Parts)
	if a.Metadata != nil {
		md := make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			md[k] = v
		}
		a.Metadata = md
	}
	return a
}

// cloneMap 浅拷贝顶层键；值视为不可变
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
