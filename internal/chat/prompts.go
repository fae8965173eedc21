package chat

// FrameDescriptionPrefix marks assistant turns that summarize a captured
// frame rather than answer the user.
const FrameDescriptionPrefix = "视频帧描述："

const (
	defaultVisionChatInstruction = "你是用户的游戏陪玩伙伴，正在和用户一起看游戏画面。" +
		"如果用户的问题和画面有关，请结合画面用口语化的短句回答，不要超过三句话。" +
		"如果画面和问题无关，或者你无法从画面判断，请只回答“不知道”。"

	defaultVisionSummaryInstruction = "你会看到一张网页或游戏画面的截图。" +
		"请用一到两句话客观描述画面中正在发生的事情，包括角色、场景和关键数值。" +
		"如果无法看清或画面没有有效内容，请只回答“不知道”。"

	defaultTextInstruction = "你是一个温柔、活泼的游戏陪玩伙伴，陪用户边玩边聊。" +
		"对话历史中以“视频帧描述：”开头的内容是你之前看到的画面。" +
		"回答要口语化、简短，适合直接朗读，不要使用列表、表情符号或Markdown。"
)

// Prompts holds the system instructions sent to each model.
type Prompts struct {
	VisionChat    string
	VisionSummary string
	Text          string
}

func DefaultPrompts() Prompts {
	return Prompts{
		VisionChat:    defaultVisionChatInstruction,
		VisionSummary: defaultVisionSummaryInstruction,
		Text:          defaultTextInstruction,
	}
}

func (p Prompts) withDefaults() Prompts {
	d := DefaultPrompts()
	if p.VisionChat == "" {
		p.VisionChat = d.VisionChat
	}
	if p.VisionSummary == "" {
		p.VisionSummary = d.VisionSummary
	}
	if p.Text == "" {
		p.Text = d.Text
	}
	return p
}
