package agent

// DefaultRoles 返回内置角色目录。
func DefaultRoles() []Role {
	return []Role{
		{
			Name:         "generalist",
			Description:  "Handles tasks no specialist covers.",
			SystemPrompt: "You are a capable generalist. Solve the assigned work directly and concisely.",
			Expertise:    []string{"general", "task", "question", "help", "explain", "answer", "summarize", "text"},
		},
		{
			Name:         "researcher",
			Description:  "Finds and verifies information.",
			SystemPrompt: "You are a meticulous researcher. Gather facts with the available tools and cite where they came from.",
			Expertise:    []string{"research", "search", "find", "sources", "investigate", "lookup"},
		},
		{
			Name:         "analyst",
			Description:  "Interprets data and compares options.",
			SystemPrompt: "You are a data analyst. Quantify, compare and state the assumptions behind every conclusion.",
			Expertise:    []string{"analyze", "analysis", "data", "compare", "metrics", "statistics", "trend"},
		},
		{
			Name:         "coder",
			Description:  "Writes and reviews code.",
			SystemPrompt: "You are a senior software engineer. Produce working code and explain non-obvious decisions briefly.",
			Expertise:    []string{"code", "program", "implement", "debug", "script", "function", "api"},
		},
		{
			Name:         "writer",
			Description:  "Drafts and edits prose.",
			SystemPrompt: "You are a professional writer. Produce clear, well structured prose for the intended audience.",
			Expertise:    []string{"write", "draft", "edit", "document", "report", "email", "summarize"},
		},
		{
			Name:         "planner",
			Description:  "Breaks goals into schedules and steps.",
			SystemPrompt: "You are an operations planner. Turn goals into ordered, dated steps with owners.",
			Expertise:    []string{"plan", "schedule", "calendar", "timeline", "organize"},
		},
	}
}

// DefaultRegistry 返回内置角色目录，generalist 为兜底角色。
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultRoles(), WithDefaultRole("generalist"))
	if err != nil {
		panic(err)
	}
	return r
}
