package board

import (
	"fmt"

	"taskboard/eventing"
	"taskboard/eventing/integration"
	"taskboard/eventing/projection"
)

// ViewProjection 看板读模型投影名
const ViewProjection = "board_view"

// BoardView 看板读模型
type BoardView struct {
	Name           string         `json:"name"`
	Owner          string         `json:"owner"`
	Columns        []string       `json:"columns"`
	CardCount      int            `json:"card_count"`
	CardsPerColumn map[string]int `json:"cards_per_column"`
	Deleted        bool           `json:"deleted"`
}

func (v BoardView) clone() BoardView {
	out := v
	out.Columns = append([]string{}, v.Columns...)
	out.CardsPerColumn = make(map[string]int, len(v.CardsPerColumn))
	for k, n := range v.CardsPerColumn {
		out.CardsPerColumn[k] = n
	}
	return out
}

// Project 返回看板读模型的投影函数
//
// 增量计数依赖事件不遗漏，消费者应开启 RequireContiguous。
func Project(registry *eventing.Registry) projection.Projector[BoardView] {
	return func(state BoardView, ie integration.Event) (BoardView, error) {
		payload, err := registry.Decode(ie.ToDomainEvent())
		if err != nil {
			return state, err
		}
		view := state.clone()
		switch p := payload.(type) {
		case BoardCreated:
			view.Name = p.Name
			view.Owner = p.Owner
		case BoardRenamed:
			view.Name = p.Name
		case ColumnAdded:
			view.Columns = append(view.Columns, p.Name)
			view.CardsPerColumn[p.Name] = 0
		case CardAdded:
			view.CardCount++
			view.CardsPerColumn[p.Column]++
		case CardMoved:
			view.CardsPerColumn[p.From]--
			view.CardsPerColumn[p.To]++
		case BoardDeleted:
			view.Deleted = true
		default:
			return state, fmt.Errorf("unexpected payload %T for event %s", payload, ie.EventType)
		}
		return view, nil
	}
}

// NewViewConsumer 创建看板读模型消费者
func NewViewConsumer(registry *eventing.Registry, store projection.IReadStore[BoardView], opts ...func(*projection.ConsumerOptions[BoardView])) (*projection.Consumer[BoardView], error) {
	o := projection.ConsumerOptions[BoardView]{
		Name:              ViewProjection,
		Store:             store,
		Project:           Project(registry),
		RequireContiguous: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return projection.NewConsumer(o)
}
