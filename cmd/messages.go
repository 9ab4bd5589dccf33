package cmd

import (
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Message keys. The English catalog entry equals the key.
const (
	msgBuildSucceeded = "Build succeeded"
	msgBuildFailed    = "Build failed"
	msgBuildSummary   = "%d artifacts in %v"
	msgServing        = "Serving at %s"
)

var supportedLanguages = []language.Tag{language.English, language.SimplifiedChinese}

var languageMatcher = language.NewMatcher(supportedLanguages)

func init() {
	for _, entry := range []struct {
		tag      language.Tag
		key, msg string
	}{
		{language.English, msgBuildSucceeded, msgBuildSucceeded},
		{language.English, msgBuildFailed, msgBuildFailed},
		{language.English, msgBuildSummary, msgBuildSummary},
		{language.English, msgServing, msgServing},
		{language.SimplifiedChinese, msgBuildSucceeded, "编译成功"},
		{language.SimplifiedChinese, msgBuildFailed, "编译失败"},
		{language.SimplifiedChinese, msgBuildSummary, "共 %d 个产物, 用时 %v"},
		{language.SimplifiedChinese, msgServing, "开发服务器地址 %s"},
	} {
		_ = message.SetString(entry.tag, entry.key, entry.msg)
	}
}

// resolveLanguage picks the message language from the --lang flag, then
// LC_ALL and LANG. POSIX locale names such as zh_CN.UTF-8 are accepted.
func resolveLanguage(flag string) language.Tag {
	for _, candidate := range []string{flag, os.Getenv("LC_ALL"), os.Getenv("LANG")} {
		if candidate == "" {
			continue
		}
		candidate, _, _ = strings.Cut(candidate, ".")
		tag, err := language.Parse(strings.ReplaceAll(candidate, "_", "-"))
		if err != nil {
			continue
		}
		_, index, _ := languageMatcher.Match(tag)

		return supportedLanguages[index]
	}

	return language.English
}

func newPrinter(flag string) *message.Printer {
	return message.NewPrinter(resolveLanguage(flag))
}
