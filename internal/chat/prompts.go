// Package chat 实现对话流式编排：缓存、选型、回退与截断续写
package chat

// DefaultSystemPrompt 编码助手的默认系统提示词
const DefaultSystemPrompt = `你是一名资深软件工程师助手，擅长代码生成、调试、重构与技术问答。
回答时遵循以下要求：
- 代码使用 Markdown 代码块并标注语言
- 解释简洁准确，优先给出可运行的完整示例
- 不确定时明确说明，不要编造 API`

// ContinuePrompt 截断续写提示词
// 上一段以 length 结束时，把已生成内容作为 assistant 消息回填，再以该提示词请求续写
const ContinuePrompt = `继续你上一条回复。重要：从中断处立即继续输出，不要有任何过渡语，不要重复已输出的内容。`
