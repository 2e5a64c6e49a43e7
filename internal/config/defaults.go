package config

// GetDefaultSystemPrompt returns the default system prompt for document drafting
func GetDefaultSystemPrompt() string {
	return `You are a careful legal drafting assistant. You turn structured questionnaire answers into complete, formal documents. You never invent facts that are not present in the answers; where information is missing you leave a clearly marked placeholder such as [TO BE COMPLETED].`
}

// GetDefaultDocumentTemplate returns the default template for document generation.
// Available data: .DocumentType (string, may be empty), .Fields (sorted list of
// .Name/.Value pairs) and .Form (the raw snapshot).
func GetDefaultDocumentTemplate() string {
	return `Draft the following document{{if .DocumentType}}: {{.DocumentType}}{{end}}.

Use every answer below. Keep the parties, dates and amounts exactly as given.

FORM ANSWERS:
{{range .Fields}}- {{.Name}}: {{.Value}}
{{end}}
Requirements:
- Use clear section headings and numbered clauses
- Write in plain, formal language
- Include a signature block for every party

Return ONLY the document in Markdown (no commentary before or after it).`
}
