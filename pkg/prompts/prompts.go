package prompts

// Prompt pairs a go-template prompt with the input variables it expects.
type Prompt struct {
	Name string
	Text string
	Vars []string
}

var (
	AnalyzeRequirements = Prompt{
		Name: "analyze_requirements",
		Vars: []string{"Requirements", "Technology"},
		Text: `
You are a senior {{.Technology}} engineer. Read the following requirements and produce a concise specification
of the components, public interfaces and data structures needed to implement them.

Requirements:
"{{.Requirements}}"

Provide your response in the following json format:
{
    "components": ["{COMPONENT}"],
    "interfaces": ["{INTERFACE}"],
    "notes": "{NOTES}"
}
`,
	}

	GenerateCode = Prompt{
		Name: "generate_code",
		Vars: []string{"Requirements", "Technology", "Specification"},
		Text: `
You are a senior {{.Technology}} engineer. Implement the following specification.

Requirements:
"{{.Requirements}}"

Specification (json):
{{.Specification}}

Return every source file in the following json format, escape any invalid characters in the values:
{
    "files": [{"path": "{RELATIVE_PATH}", "content": "{FILE_CONTENT}"}]
}
`,
	}

	GenerateTests = Prompt{
		Name: "generate_tests",
		Vars: []string{"Technology", "Code"},
		Text: `
You are a senior {{.Technology}} engineer. Write unit tests for the following generated files (json):
{{.Code}}

Return every test file in the following json format:
{
    "files": [{"path": "{RELATIVE_PATH}", "content": "{FILE_CONTENT}"}]
}
`,
	}

	ReviewFiles = Prompt{
		Name: "review_files",
		Vars: []string{"Focus", "Files"},
		Text: `
You are an experienced code reviewer. Review the following files with a focus on {{.Focus}}.

Files (json, path to content):
{{.Files}}

Provide your findings in the following json format:
{
    "findings": [{"path": "{PATH}", "severity": "{low|medium|high}", "message": "{MESSAGE}"}]
}
`,
	}

	SummarizeFindings = Prompt{
		Name: "summarize_findings",
		Vars: []string{"Findings"},
		Text: `
Summarize the following code review findings for the author in a few sentences and decide whether the change
can be accepted.

Findings (json):
{{.Findings}}

Provide your response in the following json format:
{
    "summary": "{SUMMARY}",
    "accept": {true|false}
}
`,
	}
)
