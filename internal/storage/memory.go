package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const maxMemoryLogs = 512

type journalEntry struct {
	Kind   string          `json:"kind"`
	Record json.RawMessage `json:"record"`
}

// MemoryRecorder 在内存中保存记录，并可选地以 JSON Lines 追加写入本地文件，方便迭代开发。
type MemoryRecorder struct {
	mu         sync.RWMutex
	dataFile   string
	executions map[string]ExecutionRecord
	agents     map[string]map[string]AgentRecord
	tasks      map[string]map[string]TaskRecord
	tools      map[string]map[string]ToolRecord
	logs       map[string][]LogRecord
}

// NewMemoryRecorder 创建记录器。dataDir 为空时只保存在内存中。
func NewMemoryRecorder(dataDir string) (*MemoryRecorder, error) {
	m := &MemoryRecorder{
		executions: make(map[string]ExecutionRecord),
		agents:     make(map[string]map[string]AgentRecord),
		tasks:      make(map[string]map[string]TaskRecord),
		tools:      make(map[string]map[string]ToolRecord),
		logs:       make(map[string][]LogRecord),
	}
	if dataDir == "" {
		return m, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	m.dataFile = filepath.Join(dataDir, "executions.jsonl")
	if err := m.loadFromDisk(); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateExecution 实现 Recorder。
func (m *MemoryRecorder) CreateExecution(_ context.Context, rec ExecutionRecord) error {
	return m.record("execution", rec, func() { m.executions[rec.ID] = rec })
}

// UpdateExecutionStatus 实现 Recorder。
func (m *MemoryRecorder) UpdateExecutionStatus(_ context.Context, rec ExecutionRecord) error {
	return m.record("execution", rec, func() { m.applyExecution(rec) })
}

// SaveAgent 实现 Recorder。
func (m *MemoryRecorder) SaveAgent(_ context.Context, rec AgentRecord) error {
	return m.record("agent", rec, func() { m.applyAgent(rec) })
}

// SaveTask 实现 Recorder。
func (m *MemoryRecorder) SaveTask(_ context.Context, rec TaskRecord) error {
	return m.record("task", rec, func() { m.applyTask(rec) })
}

// SaveToolExecution 实现 Recorder。
func (m *MemoryRecorder) SaveToolExecution(_ context.Context, rec ToolRecord) error {
	return m.record("tool", rec, func() { m.applyTool(rec) })
}

// AppendLog 实现 Recorder。
func (m *MemoryRecorder) AppendLog(_ context.Context, rec LogRecord) error {
	return m.record("log", rec, func() { m.applyLog(rec) })
}

func (m *MemoryRecorder) applyExecution(rec ExecutionRecord) {
	current, ok := m.executions[rec.ID]
	if !ok {
		m.executions[rec.ID] = rec
		return
	}
	current.Status = rec.Status
	if rec.Result != "" {
		current.Result = rec.Result
	}
	current.Confidence = rec.Confidence
	current.UpdatedAt = rec.UpdatedAt
	m.executions[rec.ID] = current
}

func (m *MemoryRecorder) applyAgent(rec AgentRecord) {
	if m.agents[rec.ExecutionID] == nil {
		m.agents[rec.ExecutionID] = make(map[string]AgentRecord)
	}
	m.agents[rec.ExecutionID][rec.Role] = rec
}

func (m *MemoryRecorder) applyTask(rec TaskRecord) {
	if m.tasks[rec.ExecutionID] == nil {
		m.tasks[rec.ExecutionID] = make(map[string]TaskRecord)
	}
	m.tasks[rec.ExecutionID][rec.TaskID] = rec
}

func (m *MemoryRecorder) applyTool(rec ToolRecord) {
	if m.tools[rec.ExecutionID] == nil {
		m.tools[rec.ExecutionID] = make(map[string]ToolRecord)
	}
	m.tools[rec.ExecutionID][rec.ApprovalID] = rec
}

func (m *MemoryRecorder) applyLog(rec LogRecord) {
	logs := append(m.logs[rec.ExecutionID], rec)
	if len(logs) > maxMemoryLogs {
		logs = logs[len(logs)-maxMemoryLogs:]
	}
	m.logs[rec.ExecutionID] = logs
}

func (m *MemoryRecorder) record(kind string, rec any, apply func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dataFile != "" {
		if err := m.appendToDisk(kind, rec); err != nil {
			return err
		}
	}
	apply()
	return nil
}

func (m *MemoryRecorder) appendToDisk(kind string, rec any) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化记录失败: %w", err)
	}
	line, err := json.Marshal(journalEntry{Kind: kind, Record: payload})
	if err != nil {
		return fmt.Errorf("序列化记录失败: %w", err)
	}
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开执行日志失败: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("写入执行日志失败: %w", err)
	}
	return nil
}

func (m *MemoryRecorder) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取执行日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry journalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		m.replay(entry)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析执行日志失败: %w", err)
	}
	return nil
}

func (m *MemoryRecorder) replay(entry journalEntry) {
	switch entry.Kind {
	case "execution":
		var rec ExecutionRecord
		if json.Unmarshal(entry.Record, &rec) == nil {
			m.applyExecution(rec)
		}
	case "agent":
		var rec AgentRecord
		if json.Unmarshal(entry.Record, &rec) == nil {
			m.applyAgent(rec)
		}
	case "task":
		var rec TaskRecord
		if json.Unmarshal(entry.Record, &rec) == nil {
			m.applyTask(rec)
		}
	case "tool":
		var rec ToolRecord
		if json.Unmarshal(entry.Record, &rec) == nil {
			m.applyTool(rec)
		}
	case "log":
		var rec LogRecord
		if json.Unmarshal(entry.Record, &rec) == nil {
			m.applyLog(rec)
		}
	}
}

// Execution 返回执行记录。
func (m *MemoryRecorder) Execution(id string) (ExecutionRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.executions[id]
	return rec, ok
}

// Agents 返回某次执行的智能体快照，按角色排序。
func (m *MemoryRecorder) Agents(executionID string) []AgentRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AgentRecord, 0, len(m.agents[executionID]))
	for _, rec := range m.agents[executionID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

// Tasks 返回某次执行的子任务快照，按 id 排序。
func (m *MemoryRecorder) Tasks(executionID string) []TaskRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TaskRecord, 0, len(m.tasks[executionID]))
	for _, rec := range m.tasks[executionID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// ToolExecutions 返回某次执行的工具调用快照，按审批 id 排序。
func (m *MemoryRecorder) ToolExecutions(executionID string) []ToolRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ToolRecord, 0, len(m.tools[executionID]))
	for _, rec := range m.tools[executionID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ApprovalID < out[j].ApprovalID })
	return out
}

// Logs 返回某次执行的日志，按写入顺序排列。
func (m *MemoryRecorder) Logs(executionID string) []LogRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]LogRecord(nil), m.logs[executionID]...)
}
