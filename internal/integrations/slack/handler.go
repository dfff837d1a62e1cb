package slack

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/slack-go/slack"
)

const (
	askBlockPrefix     = "genie_ask:"
	answerActionPrefix = "genie_answer_"
)

// HandleInteraction receives Slack interactive component callbacks and
// routes button presses to the Ask waiting for them.
func (c *Channel) HandleInteraction(w http.ResponseWriter, r *http.Request) {
	payload := r.FormValue("payload")
	if payload == "" {
		c.logger.Error("Missing payload in Slack action request")
		http.Error(w, "Missing payload", http.StatusBadRequest)
		return
	}

	var interaction slack.InteractionCallback
	if err := json.Unmarshal([]byte(payload), &interaction); err != nil {
		c.logger.Error("Failed to parse interaction payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	handled, delivered := c.deliver(interaction)

	if !handled {
		c.logger.Warn("Unknown action received", "callback_id", interaction.CallbackID, "type", interaction.Type)
		w.WriteHeader(http.StatusOK)
		return
	}

	text := "Thanks, got it."
	if !delivered {
		text = "That question has already expired."
	}
	w.Header().Set("Content-Type", "application/json")
	response := map[string]interface{}{
		"response_type":    "ephemeral",
		"replace_original": false,
		"text":             text,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		c.logger.Error("Failed to encode response", "error", err)
	}
}

// deliver routes the answer buttons of an interaction to the Asks waiting
// for them. handled reports whether any button was one of ours.
func (c *Channel) deliver(interaction slack.InteractionCallback) (handled, delivered bool) {
	for _, action := range interaction.ActionCallback.BlockActions {
		callbackID, ok := strings.CutPrefix(action.BlockID, askBlockPrefix)
		if !ok || !strings.HasPrefix(action.ActionID, answerActionPrefix) {
			continue
		}
		handled = true
		if c.answer(callbackID, action.Value) {
			delivered = true
		}
		c.logger.Info("Received answer",
			"callback_id", callbackID,
			"user", interaction.User.ID,
			"value", action.Value,
			"delivered", delivered)
	}
	return handled, delivered
}

// cleanMessageText removes user mentions and channel references.
func cleanMessageText(text string) string {
	for _, open := range []string{"<@", "<#"} {
		for strings.Contains(text, open) {
			start := strings.Index(text, open)
			end := strings.Index(text[start:], ">")
			if end == -1 {
				break
			}
			text = text[:start] + text[start+end+1:]
		}
	}
	return strings.Join(strings.Fields(text), " ")
}

func isBotMessage(botID, subType, user, ownBotUserID string) bool {
	if botID != "" || subType == "bot_message" {
		return true
	}
	return ownBotUserID != "" && user == ownBotUserID
}
