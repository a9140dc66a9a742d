package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

func smells(m dsl.Matcher) {
	// Two consecutive guards returning the same value => combinable with ||
	m.Match(`if $c1 { return $ret }; if $c2 { return $ret }`).
		Report(`two consecutive guards return the same value; consider merging conditions with ||`).
		Suggest(`if $c1 || $c2 { return $ret }`)

	// Same pattern with continue (inside loops)
	m.Match(`if $c1 { continue }; if $c2 { continue }`).
		Report(`two consecutive continues; consider merging conditions with ||`).
		Suggest(`if $c1 || $c2 { continue }`)

	// Nested for-loops: not always wrong, but a useful extract-function signal
	m.Match(`for $*_ { for $*_ { $*_ } }`).
		Report(`nested for-loop; consider extracting inner loop logic or reducing algorithmic complexity`)
}

func errorHandling(m dsl.Matcher) {
	// Sentinel comparisons must survive wrapping with fmt.Errorf("%w", ...)
	m.Match(`$err == $sentinel`, `$err != $sentinel`).
		Where(m["err"].Type.Is(`error`) && m["sentinel"].Object.Is(`Var`) && !m["sentinel"].Text.Matches(`nil`)).
		Report(`compare errors with errors.Is so wrapped sentinels still match`)

	// Streams and responses carry connections; an ignored Close leaks them
	m.Match(`$s.Close()`).
		Where(m["s"].Type.Implements(`io.Closer`)).
		Report(`unchecked Close; ignore explicitly with //nolint:errcheck if intended`)
}
