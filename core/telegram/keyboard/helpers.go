// Package keyboard builds inline keyboards from plain button descriptions.
package keyboard

import tele "gopkg.in/telebot.v4"

// Btn describes one inline button. Exactly one destination should be set:
// a URL, a web app URL, or callback data (Unique plus optional Data).
type Btn struct {
	Text   string
	URL    string
	WebApp string
	Unique string
	Data   string
}

// Inline builds an inline keyboard with one button per row. Buttons with no
// destination are skipped.
func Inline(buttons ...Btn) *tele.ReplyMarkup {
	rows := make([][]Btn, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, []Btn{b})
	}
	return InlineRows(rows...)
}

// InlineRows builds an inline keyboard from explicit rows.
func InlineRows(rows ...[]Btn) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	out := make([]tele.Row, 0, len(rows))
	for _, row := range rows {
		r := make(tele.Row, 0, len(row))
		for _, b := range row {
			btn, ok := build(markup, b)
			if !ok {
				continue
			}
			r = append(r, btn)
		}
		if len(r) > 0 {
			out = append(out, r)
		}
	}
	markup.Inline(out...)
	return markup
}

func build(markup *tele.ReplyMarkup, b Btn) (tele.Btn, bool) {
	switch {
	case b.URL != "":
		return markup.URL(b.Text, b.URL), true
	case b.WebApp != "":
		return markup.WebApp(b.Text, &tele.WebApp{URL: b.WebApp}), true
	case b.Unique != "":
		return markup.Data(b.Text, b.Unique, b.Data), true
	}
	return tele.Btn{}, false
}

// RemoveKeyboard returns a markup that hides any visible reply keyboard.
func RemoveKeyboard() *tele.ReplyMarkup {
	return &tele.ReplyMarkup{RemoveKeyboard: true}
}
