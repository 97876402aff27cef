package dispatch

import (
	"regexp"
	"strings"
	"unicode"
)

// Matcher 指令匹配器，匹配成功时返回命中的指令词
type Matcher interface {
	Match(content string) (token string, ok bool)
}

// MatcherFunc 函数形式的 Matcher
type MatcherFunc func(content string) (string, bool)

// Match 实现 Matcher
func (f MatcherFunc) Match(content string) (string, bool) {
	return f(content)
}

type wordMatcher struct {
	words []string
}

// Word 匹配以指定词开头且词后为空白或结尾的内容，可传入多个别名
func Word(words ...string) Matcher {
	return &wordMatcher{words: words}
}

func (m *wordMatcher) Match(content string) (string, bool) {
	for _, w := range m.words {
		if w == "" || !strings.HasPrefix(content, w) {
			continue
		}
		rest := content[len(w):]
		if rest == "" || unicode.IsSpace([]rune(rest)[0]) {
			return w, true
		}
	}
	return "", false
}

type regexpMatcher struct {
	re *regexp.Regexp
}

// Regexp 匹配从内容开头命中的正则
func Regexp(re *regexp.Regexp) Matcher {
	return &regexpMatcher{re: re}
}

// MustRegexp 编译表达式并返回 Matcher
func MustRegexp(expr string) Matcher {
	return Regexp(regexp.MustCompile(expr))
}

func (m *regexpMatcher) Match(content string) (string, bool) {
	loc := m.re.FindStringIndex(content)
	if loc == nil || loc[0] != 0 || loc[1] == 0 {
		return "", false
	}
	return content[:loc[1]], true
}
