package metricskey

import "github.com/effective-security/metrics"

// Stats
var (
	// StatsLLMMessagesSent is base for counter metric for total messages sent to LLM
	StatsLLMMessagesSent = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_messages_sent",
		Help:         "stats_llm_messages_sent provides total messages sent to LLM",
		RequiredTags: []string{"model"},
	}

	StatsLLMBytesSent = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_bytes_sent",
		Help:         "stats_llm_bytes_sent provides total bytes sent to LLM",
		RequiredTags: []string{"model"},
	}

	StatsLLMBytesReceived = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_bytes_received",
		Help:         "stats_llm_bytes_received provides total bytes received from LLM",
		RequiredTags: []string{"model"},
	}

	StatsLLMInputTokens = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_input_tokens",
		Help:         "stats_llm_input_tokens provides total input tokens sent to LLM",
		RequiredTags: []string{"model"},
	}

	StatsLLMOutputTokens = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_output_tokens",
		Help:         "stats_llm_output_tokens provides total output tokens received from LLM",
		RequiredTags: []string{"model"},
	}

	StatsLLMCallsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_calls_failed",
		Help:         "stats_llm_calls_failed provides total failed LLM calls",
		RequiredTags: []string{"model"},
	}

	StatsAgentRunsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_agent_runs_succeeded",
		Help:         "stats_agent_runs_succeeded provides total agent turns completed with an answer",
		RequiredTags: []string{"model"},
	}

	StatsAgentRunsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_agent_runs_failed",
		Help:         "stats_agent_runs_failed provides total agent turns failed",
		RequiredTags: []string{"model"},
	}

	StatsToolCallsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_succeeded",
		Help:         "stats_tool_calls_succeeded provides total tool calls succeeded",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_failed",
		Help:         "stats_tool_calls_failed provides total tool calls failed",
		RequiredTags: []string{"tool"},
	}

	StatsHTTPRequests = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_http_requests",
		Help:         "stats_http_requests provides total API requests",
		RequiredTags: []string{"path", "status"},
	}
)

// Perf
var (
	PerfAgentRun = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_agent_run",
		Help:         "perf_agent_run provides duration of agent turn",
		RequiredTags: []string{"model"},
	}

	PerfLLMCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_llm_call",
		Help:         "perf_llm_call provides duration of LLM call",
		RequiredTags: []string{"model"},
	}

	PerfToolCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_tool_call",
		Help:         "perf_tool_call provides duration of tool call",
		RequiredTags: []string{"tool"},
	}

	PerfHTTPRequest = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_http_request",
		Help:         "perf_http_request provides duration of API request",
		RequiredTags: []string{"path"},
	}
)

// Metrics returns slice of metrics from this repo
// keep sorted by name
var Metrics = []*metrics.Describe{
	&PerfAgentRun,
	&PerfHTTPRequest,
	&PerfLLMCall,
	&PerfToolCall,
	&StatsAgentRunsFailed,
	&StatsAgentRunsSucceeded,
	&StatsHTTPRequests,
	&StatsLLMBytesReceived,
	&StatsLLMBytesSent,
	&StatsLLMCallsFailed,
	&StatsLLMInputTokens,
	&StatsLLMMessagesSent,
	&StatsLLMOutputTokens,
	&StatsToolCallsFailed,
	&StatsToolCallsSucceeded,
}
