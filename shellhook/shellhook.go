// Package shellhook builds the zsh init-file patch that makes a
// forked shell emit the four block markers (see package
// terminal/markers) around editing and execution phases.
//
// Only zsh is supported (spec Non-goal: no cross-shell support). The
// hooks ride zsh's own `zle-line-init`/`zle-line-finish` widgets for
// the edit phase and its `preexec`/`precmd` hook arrays for the
// execution phase, the same mechanism kir-gadjello-llm's shell
// integration uses for OSC 133, generalized to DCS block markers.
package shellhook

import "fmt"

const salt = "1b3e62c774b44f78898be928a7aa6532"

// dcs wraps name in the fixed DCS envelope the scanner looks for.
func dcs(name string) string {
	return fmt.Sprintf(`${KMUX_DCS_START}kmux;%s;${KMUX_BLOCK_MARKER_SALT}${KMUX_DCS_END}`, name)
}

// Patch returns the zsh snippet to append to a forked session's
// .zshrc. It registers the hooks idempotently so re-sourcing the
// file (e.g. a user-triggered `exec zsh`) does not double-register.
func Patch() string {
	return fmt.Sprintf(`
# --- kmux block markers ---

typeset -g KMUX_BLOCK_MARKER_SALT=%s
typeset -g KMUX_DCS_START=$'\x1bP'
typeset -g KMUX_DCS_END=$'\x1b\\'
typeset -gi KMUX_EXEC_OPEN=0

kmux_zle_line_init() {
  print -n -- "%s"
}

kmux_zle_line_finish() {
  print -n -- "%s"
}

kmux_preexec() {
  (( KMUX_EXEC_OPEN++ ))
  print -n -- "%s"
}

kmux_precmd() {
  # zsh runs precmd once before the very first prompt, with no prior
  # preexec — only emit EXECEND here if a preexec actually opened one.
  (( KMUX_EXEC_OPEN <= 0 )) && return
  (( KMUX_EXEC_OPEN-- ))
  print -n -- "%s"
}

autoload -Uz add-zsh-hook

zle -N zle-line-init kmux_zle_line_init
zle -N zle-line-finish kmux_zle_line_finish

(( ${+functions[kmux_preexec]} )) && { (( ${preexec_functions[(Ie)kmux_preexec]} )) || add-zsh-hook preexec kmux_preexec }
(( ${+functions[kmux_precmd]} ))  && { (( ${precmd_functions[(Ie)kmux_precmd]} ))  || add-zsh-hook precmd kmux_precmd }
`, salt, dcs("EDITSTART"), dcs("EDITEND"), dcs("EXECSTART"), dcs("EXECEND"))
}
