// Package board 看板领域：事件溯源聚合、读模型投影与命令服务
package board

import (
	"fmt"

	"taskboard/domain/entity"
	"taskboard/eventing"
	"taskboard/validation"
)

const (
	MaxNameRunes = 80
	MaxColumns   = 20
)

// Card 看板上的卡片
type Card struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Column string `json:"column"`
}

// Board 看板聚合根
type Board struct {
	entity.Root
	registry *eventing.Registry

	created bool
	Name    string
	Owner   string
	Columns []string
	Cards   map[string]Card
	Deleted bool
}

func New(id string, registry *eventing.Registry) *Board {
	return &Board{
		Root:     entity.NewRoot(AggregateType, id, registry),
		registry: registry,
		Cards:    make(map[string]Card),
	}
}

// Factory 供仓储使用的工厂
func Factory(registry *eventing.Registry) func(id string) *Board {
	return func(id string) *Board { return New(id, registry) }
}

func validateName(name string) error {
	return validation.First(
		validation.Required("board.name.required", "看板名称", name),
		validation.MaxRunes("board.name.too_long", "看板名称", name, MaxNameRunes),
	)
}

func (b *Board) ensureActive() error {
	if !b.created {
		return entity.NewValidationError("board.not_created", "看板 %s 尚未创建", b.GetID())
	}
	if b.Deleted {
		return entity.NewValidationError("board.deleted", "看板 %s 已删除", b.GetID())
	}
	return nil
}

func (b *Board) Create(name, owner string) error {
	if b.created {
		return entity.NewValidationError("board.already_created", "看板 %s 已存在", b.GetID())
	}
	if err := validation.First(
		validateName(name),
		validation.Required("board.owner.required", "负责人", owner),
	); err != nil {
		return err
	}
	return b.Record(EventBoardCreated, BoardCreated{Name: name, Owner: owner}, b.ApplyEvent)
}

func (b *Board) Rename(name string) error {
	if err := validation.First(b.ensureActive(), validateName(name)); err != nil {
		return err
	}
	if name == b.Name {
		return nil
	}
	return b.Record(EventBoardRenamed, BoardRenamed{Name: name}, b.ApplyEvent)
}

func (b *Board) AddColumn(name string) error {
	if err := validation.First(
		b.ensureActive(),
		validation.Required("column.name.required", "列名", name),
		validation.MaxRunes("column.name.too_long", "列名", name, MaxNameRunes),
		validation.Unique("column.name.unique", "列名", name, b.Columns),
		validation.MaxCount("board.columns.limit", "列", len(b.Columns), MaxColumns),
	); err != nil {
		return err
	}
	return b.Record(EventColumnAdded, ColumnAdded{Name: name}, b.ApplyEvent)
}

func (b *Board) AddCard(cardID, column, title string) error {
	if err := validation.First(
		b.ensureActive(),
		validation.Required("card.id.required", "卡片 ID", cardID),
		validation.Required("card.title.required", "卡片标题", title),
		validation.MaxRunes("card.title.too_long", "卡片标题", title, MaxNameRunes),
		validation.OneOf("column.exists", "列", column, b.Columns),
	); err != nil {
		return err
	}
	if _, exists := b.Cards[cardID]; exists {
		return entity.NewValidationError("card.id.unique", "卡片 %s 已存在", cardID)
	}
	return b.Record(EventCardAdded, CardAdded{CardID: cardID, Column: column, Title: title}, b.ApplyEvent)
}

// MoveCard 移动到当前所在列时不记录事件
func (b *Board) MoveCard(cardID, to string) error {
	if err := b.ensureActive(); err != nil {
		return err
	}
	card, ok := b.Cards[cardID]
	if !ok {
		return entity.NewValidationError("card.exists", "卡片不存在: %s", cardID)
	}
	if err := validation.OneOf("column.exists", "目标列", to, b.Columns); err != nil {
		return err
	}
	if card.Column == to {
		return nil
	}
	return b.Record(EventCardMoved, CardMoved{CardID: cardID, From: card.Column, To: to}, b.ApplyEvent)
}

// Delete 删除为终态，之后的任何变更都被拒绝
func (b *Board) Delete() error {
	if err := b.ensureActive(); err != nil {
		return err
	}
	return b.Record(EventBoardDeleted, BoardDeleted{}, b.ApplyEvent)
}

// ApplyEvent 经注册表升级并解码后应用状态转换
func (b *Board) ApplyEvent(evt eventing.Event) error {
	payload, err := b.registry.Decode(evt)
	if err != nil {
		return err
	}
	switch p := payload.(type) {
	case BoardCreated:
		b.created = true
		b.Name = p.Name
		b.Owner = p.Owner
	case BoardRenamed:
		b.Name = p.Name
	case ColumnAdded:
		b.Columns = append(b.Columns, p.Name)
	case CardAdded:
		b.Cards[p.CardID] = Card{ID: p.CardID, Title: p.Title, Column: p.Column}
	case CardMoved:
		card := b.Cards[p.CardID]
		card.Column = p.To
		b.Cards[p.CardID] = card
	case BoardDeleted:
		b.Deleted = true
	default:
		return fmt.Errorf("unexpected payload %T for event %s", payload, evt.Type)
	}
	return nil
}

// State 聚合状态快照，供查询与比较使用
type State struct {
	ID      string          `json:"id"`
	Version uint64          `json:"version"`
	Name    string          `json:"name"`
	Owner   string          `json:"owner"`
	Columns []string        `json:"columns"`
	Cards   map[string]Card `json:"cards"`
	Deleted bool            `json:"deleted"`
}

func (b *Board) State() State {
	cards := make(map[string]Card, len(b.Cards))
	for id, c := range b.Cards {
		cards[id] = c
	}
	return State{
		ID:      b.GetID(),
		Version: b.PendingVersion(),
		Name:    b.Name,
		Owner:   b.Owner,
		Columns: append([]string{}, b.Columns...),
		Cards:   cards,
		Deleted: b.Deleted,
	}
}

var _ entity.IEventSourcedAggregate = (*Board)(nil)
