package board

import (
	"encoding/json"
	"fmt"

	"taskboard/eventing"
)

// AggregateType 看板聚合类型，同时决定集成事件主题 integration.board
const AggregateType = "Board"

const (
	EventBoardCreated = "BoardCreated"
	EventBoardRenamed = "BoardRenamed"
	EventColumnAdded  = "ColumnAdded"
	EventCardAdded    = "CardAdded"
	EventCardMoved    = "CardMoved"
	EventBoardDeleted = "BoardDeleted"
)

// UnknownOwner v1 的 BoardCreated 没有 owner 字段，升级时补为该值
const UnknownOwner = "unknown"

// BoardCreated 模式版本 2
type BoardCreated struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
}

type BoardRenamed struct {
	Name string `json:"name"`
}

type ColumnAdded struct {
	Name string `json:"name"`
}

type CardAdded struct {
	CardID string `json:"card_id"`
	Column string `json:"column"`
	Title  string `json:"title"`
}

type CardMoved struct {
	CardID string `json:"card_id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

type BoardDeleted struct{}

// NewRegistry 注册看板事件及其升级器
func NewRegistry() (*eventing.Registry, error) {
	r := eventing.NewRegistry()
	regs := []struct {
		eventType string
		version   int
		decode    eventing.Decoder
	}{
		{EventBoardCreated, 2, eventing.DecodeAs[BoardCreated]()},
		{EventBoardRenamed, 1, eventing.DecodeAs[BoardRenamed]()},
		{EventColumnAdded, 1, eventing.DecodeAs[ColumnAdded]()},
		{EventCardAdded, 1, eventing.DecodeAs[CardAdded]()},
		{EventCardMoved, 1, eventing.DecodeAs[CardMoved]()},
		{EventBoardDeleted, 1, eventing.DecodeAs[BoardDeleted]()},
	}
	for _, reg := range regs {
		if err := r.Register(reg.eventType, reg.version, reg.decode); err != nil {
			return nil, err
		}
	}
	if err := r.RegisterUpcaster(EventBoardCreated, 1, upcastBoardCreatedV1); err != nil {
		return nil, err
	}
	return r, nil
}

// MustNewRegistry 同 NewRegistry，失败 panic
func MustNewRegistry() *eventing.Registry {
	r, err := NewRegistry()
	if err != nil {
		panic(err)
	}
	return r
}

func upcastBoardCreatedV1(data json.RawMessage) (json.RawMessage, error) {
	var v1 map[string]any
	if err := json.Unmarshal(data, &v1); err != nil {
		return nil, fmt.Errorf("decode BoardCreated v1: %w", err)
	}
	if _, ok := v1["owner"]; !ok {
		v1["owner"] = UnknownOwner
	}
	return json.Marshal(v1)
}
