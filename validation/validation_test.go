package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/domain/entity"
	"taskboard/errors"
)

func TestValidators(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"必填-有值", Required("r", "名称", "Sprint1"), false},
		{"必填-空白", Required("r", "名称", "  "), true},
		{"长度-中文按字符计", MaxRunes("r", "名称", "看板看板", 4), false},
		{"长度-超出", MaxRunes("r", "名称", "abcde", 4), true},
		{"数量-未满", MaxCount("r", "列", 19, 20), false},
		{"数量-已满", MaxCount("r", "列", 20, 20), true},
		{"唯一-不同", Unique("r", "列", "Done", []string{"Todo"}), false},
		{"唯一-忽略大小写", Unique("r", "列", " todo ", []string{"Todo"}), true},
		{"枚举-存在", OneOf("r", "列", "Todo", []string{"Todo"}), false},
		{"枚举-不存在", OneOf("r", "列", "Doing", []string{"Todo"}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.wantErr {
				assert.NoError(t, tt.err)
				return
			}
			require.Error(t, tt.err)
			assert.True(t, errors.IsValidation(tt.err))
			var ve *entity.ValidationError
			require.ErrorAs(t, tt.err, &ve)
			assert.Equal(t, "r", ve.Rule)
		})
	}
}

func TestFirst(t *testing.T) {
	err := First(nil, Required("a", "x", ""), Required("b", "y", ""))
	var ve *entity.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "a", ve.Rule)
	assert.NoError(t, First(nil, nil))
}
