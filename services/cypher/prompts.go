// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cypher

import (
	"github.com/tmc/langchaingo/prompts"
)

// =============================================================================
// Prompt Templates
// =============================================================================

const translateTemplate = `You translate questions about a data-governance knowledge graph into Neo4j Cypher.

Graph schema:
{{.schema}}

Rules:
- Use only the node labels, relationship types and properties listed in the schema.
- Write a single read-only query. Never create, update, merge or delete data.
- Return only the Cypher query, with no explanation.
{{.history}}{{.followup}}
Question: {{.question}}
Cypher:`

const retryTemplate = `You translate questions about a data-governance knowledge graph into Neo4j Cypher.
A previous attempt to answer this question failed and must be corrected.

Graph schema:
{{.schema}}

Strict rules:
- Use ONLY the node labels, relationship types and properties listed above. Do not invent new ones.
- Write exactly one read-only query that starts with MATCH, OPTIONAL MATCH, WITH, UNWIND or CALL and ends with RETURN.
- Do not use CREATE, MERGE, SET, DELETE, REMOVE, DROP, FOREACH or LOAD CSV anywhere, not even inside strings.
- Respond with the query inside a single ` + "```cypher" + ` code block and nothing else.
{{.history}}{{.followup}}
Previous query: {{.previous_query}}
Failure: {{.previous_failure}}

Question: {{.question}}
Cypher:`

const followUpInstruction = `
The question continues the conversation above. Resolve pronouns and references such as "it", "its", "that" or "those" to the entities named in earlier turns before writing the query.
`

var (
	translatePrompt = prompts.NewPromptTemplate(translateTemplate,
		[]string{"schema", "history", "followup", "question"})
	retryPrompt = prompts.NewPromptTemplate(retryTemplate,
		[]string{"schema", "history", "followup", "previous_query", "previous_failure", "question"})
)
