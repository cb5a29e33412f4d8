package formatter

import (
	"encoding/json"

	"github.com/go-telegram/bot/models"

	appmodels "github.com/mkorobov/otpwatch/pkg/models"
)

// BuildCodeKeyboard creates the inline keyboard under a code message
func BuildCodeKeyboard(codeID int64) *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{
					Text: "Show code",
					CallbackData: EncodeCallback(appmodels.CallbackData{
						Action: appmodels.CallbackShowCode,
						CodeID: codeID,
					}),
				},
				{
					Text: "Forget",
					CallbackData: EncodeCallback(appmodels.CallbackData{
						Action: appmodels.CallbackForget,
						CodeID: codeID,
					}),
				},
			},
		},
	}
}

// EncodeCallback encodes callback data to string
func EncodeCallback(data appmodels.CallbackData) string {
	b, _ := json.Marshal(data)
	return string(b)
}

// DecodeCallback decodes callback data from string
func DecodeCallback(data string) (appmodels.CallbackData, error) {
	var cb appmodels.CallbackData
	err := json.Unmarshal([]byte(data), &cb)
	return cb, err
}
