package board

// Command 写命令
type Command interface {
	commandName() string
}

// CreateBoard 成功时 Result.Value 为新看板 ID
type CreateBoard struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
}

type RenameBoard struct {
	BoardID string `json:"board_id"`
	Name    string `json:"name"`
}

type AddColumn struct {
	BoardID string `json:"board_id"`
	Name    string `json:"name"`
}

// AddCard 成功时 Result.Value 为新卡片 ID
type AddCard struct {
	BoardID string `json:"board_id"`
	Column  string `json:"column"`
	Title   string `json:"title"`
}

type MoveCard struct {
	BoardID  string `json:"board_id"`
	CardID   string `json:"card_id"`
	ToColumn string `json:"to_column"`
}

type DeleteBoard struct {
	BoardID string `json:"board_id"`
}

func (CreateBoard) commandName() string { return "CreateBoard" }
func (RenameBoard) commandName() string { return "RenameBoard" }
func (AddColumn) commandName() string   { return "AddColumn" }
func (AddCard) commandName() string     { return "AddCard" }
func (MoveCard) commandName() string    { return "MoveCard" }
func (DeleteBoard) commandName() string { return "DeleteBoard" }

// Query 读查询
type Query interface {
	queryName() string
}

// GetBoard 从事件流重放得到最新状态（强一致），Result.Value 为 State
type GetBoard struct {
	BoardID string `json:"board_id"`
}

// GetBoardView 读取最终一致的读模型，Result.Value 为 projection.Record[BoardView]
type GetBoardView struct {
	BoardID string `json:"board_id"`
}

// GetBoardHistory Result.Value 为 []eventing.Event
type GetBoardHistory struct {
	BoardID string `json:"board_id"`
}

func (GetBoard) queryName() string        { return "GetBoard" }
func (GetBoardView) queryName() string    { return "GetBoardView" }
func (GetBoardHistory) queryName() string { return "GetBoardHistory" }
