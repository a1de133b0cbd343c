package main

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// Binary document formats that cannot be inlined as text.
var binaryAttachmentTypes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
}

func isImageAttachment(f FileAttachment) bool {
	return strings.HasPrefix(f.Type, "image/")
}

func isHTMLAttachment(f FileAttachment) bool {
	name := strings.ToLower(f.Name)
	return f.Type == "text/html" || strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".htm")
}

// decodeDataURL returns the payload of a base64 data URL.
func decodeDataURL(dataURL string) ([]byte, error) {
	_, payload, found := strings.Cut(dataURL, "base64,")
	if !found {
		return nil, fmt.Errorf("not a base64 data URL")
	}
	return base64.StdEncoding.DecodeString(payload)
}

// ExtractTextFromFiles renders text attachments as delimited blocks to append
// to a prompt. Images, binary documents and undecodable data are skipped.
// HTML files are reduced to their visible text.
func ExtractTextFromFiles(files []FileAttachment, logger *slog.Logger) string {
	var parts []string

	for _, file := range files {
		if isImageAttachment(file) || binaryAttachmentTypes[file.Type] {
			continue
		}

		decoded, err := decodeDataURL(file.Data)
		if err != nil {
			logger.Warn("Could not decode attachment", "file", file.Name, "error", err)
			continue
		}
		if !utf8.Valid(decoded) {
			continue
		}

		text := string(decoded)
		if isHTMLAttachment(file) {
			if text, err = HTMLToText(text); err != nil {
				logger.Warn("Could not parse HTML attachment", "file", file.Name, "error", err)
				continue
			}
		}

		parts = append(parts, fmt.Sprintf("--- File: %s ---\n%s\n--- End of %s ---", file.Name, text, file.Name))
	}

	if len(parts) == 0 {
		return ""
	}
	return "\n\n" + strings.Join(parts, "\n\n")
}

// HTMLToText extracts the readable text of an HTML document, one non-empty
// line per text line.
func HTMLToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("script, style, noscript, template").Remove()

	selection := doc.Find("body")
	if selection.Length() == 0 {
		selection = doc.Selection
	}

	var lines []string
	for _, line := range strings.Split(selection.Text(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// BuildQueryText is the user query with any text attachments appended.
func BuildQueryText(userQuery string, files []FileAttachment, logger *slog.Logger) string {
	return userQuery + ExtractTextFromFiles(files, logger)
}

// BuildStage1Messages builds the stage 1 prompt. Image attachments are sent
// as image parts so vision models can see them.
func BuildStage1Messages(userQuery string, files []FileAttachment, logger *slog.Logger) []ChatMessage {
	text := BuildQueryText(userQuery, files, logger)

	var images []ContentPart
	for _, file := range files {
		if isImageAttachment(file) {
			images = append(images, ImagePart{URL: file.Data})
		}
	}
	if len(images) == 0 {
		return []ChatMessage{UserMessage(text)}
	}

	parts := append([]ContentPart{TextPart{Text: text}}, images...)
	return []ChatMessage{{Role: "user", Parts: parts}}
}
