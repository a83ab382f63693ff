// Package treesitter implements code chunking using Tree-sitter for
// AST-aware splitting at function and type boundaries.
package treesitter

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	tstype "github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/repograph/repograph/pkg/provider"
	"github.com/repograph/repograph/pkg/types"
)

// DefaultMaxChunkChars bounds a single chunk's text so downstream
// embedding calls stay under provider input limits.
const DefaultMaxChunkChars = 8000

// Config contains configuration for Tree-sitter chunking.
type Config struct {
	MaxChunkChars int
}

// Chunker implements AST-aware chunking using Tree-sitter.
type Chunker struct {
	config Config
}

// New creates a new Tree-sitter chunker.
func New(cfg Config) *Chunker {
	if cfg.MaxChunkChars == 0 {
		cfg.MaxChunkChars = DefaultMaxChunkChars
	}
	return &Chunker{config: cfg}
}

// Name returns the strategy name.
func (c *Chunker) Name() string {
	return "treesitter"
}

// SupportsLanguage reports whether a grammar exists for the language.
func (c *Chunker) SupportsLanguage(lang string) bool {
	_, ok := grammarFor(lang)
	return ok
}

// Close releases parser resources. Parsers are created per Chunk call,
// so there is nothing held between calls.
func (c *Chunker) Close() error {
	return nil
}

func grammarFor(lang string) (*sitter.Language, bool) {
	switch lang {
	case "go":
		return golang.GetLanguage(), true
	case "python":
		return python.GetLanguage(), true
	case "javascript", "jsx":
		return javascript.GetLanguage(), true
	case "typescript":
		return tstype.GetLanguage(), true
	case "tsx":
		return tsx.GetLanguage(), true
	case "java":
		return java.GetLanguage(), true
	case "rust":
		return rust.GetLanguage(), true
	}
	return nil, false
}

// Chunk splits source content into function-level chunks based on AST
// structure. Files with no extractable definitions yield a single
// whole-file chunk.
func (c *Chunker) Chunk(path, language string, content []byte) ([]*types.Chunk, error) {
	if len(content) == 0 {
		return nil, nil
	}

	grammar, ok := grammarFor(language)
	if !ok {
		return nil, fmt.Errorf("language %s not supported by treesitter", language)
	}

	parser := sitter.NewParser()
	parser.SetLanguage(grammar)
	defer parser.Close()

	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	defer tree.Close()

	src := string(content)
	var chunks []*types.Chunk
	c.walkNode(tree.RootNode(), path, language, src, &chunks)

	if len(chunks) == 0 {
		text := src
		if len(text) > c.config.MaxChunkChars {
			text = text[:c.config.MaxChunkChars]
		}
		lines := strings.Count(src, "\n") + 1
		span := fmt.Sprintf("1-%d", lines)
		chunks = append(chunks, &types.Chunk{
			ID:        types.CodeChunkID(path, span),
			Kind:      types.ChunkKindCode,
			OwnerPath: path,
			StartLine: 1,
			EndLine:   lines,
			Text:      text,
			Length:    len(text),
		})
	}

	return chunks, nil
}

// walkNode recursively walks the AST collecting definition nodes.
func (c *Chunker) walkNode(node *sitter.Node, path, language, src string, chunks *[]*types.Chunk) {
	symbol, ok := classifyNode(node, language, src)
	if ok {
		startLine := int(node.StartPoint().Row) + 1
		endLine := int(node.EndPoint().Row) + 1
		text := src[node.StartByte():node.EndByte()]

		oversized := len(text) > c.config.MaxChunkChars
		if oversized {
			text = text[:c.config.MaxChunkChars]
		}

		span := fmt.Sprintf("%d-%d", startLine, endLine)
		*chunks = append(*chunks, &types.Chunk{
			ID:        types.CodeChunkID(path, span),
			Kind:      types.ChunkKindCode,
			OwnerPath: path,
			Symbol:    symbol,
			StartLine: startLine,
			EndLine:   endLine,
			Text:      text,
			Length:    len(text),
		})

		// Very large definitions still get walked for nested functions.
		if !oversized {
			return
		}
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		c.walkNode(node.Child(i), path, language, src, chunks)
	}
}

// classifyNode reports whether a node is a chunkable definition and
// extracts its symbol name.
func classifyNode(node *sitter.Node, language, src string) (string, bool) {
	nodeType := node.Type()
	switch language {
	case "go":
		switch nodeType {
		case "function_declaration":
			return childText(node, "identifier", src), true
		case "method_declaration":
			return childText(node, "field_identifier", src), true
		case "type_declaration":
			if spec := childNode(node, "type_spec"); spec != nil {
				return childText(spec, "type_identifier", src), true
			}
		}
	case "python":
		switch nodeType {
		case "function_definition", "class_definition":
			return childText(node, "identifier", src), true
		}
	case "javascript", "jsx", "typescript", "tsx":
		switch nodeType {
		case "function_declaration", "class_declaration":
			return childText(node, "identifier", src), true
		case "method_definition":
			return childText(node, "property_identifier", src), true
		case "arrow_function":
			if parent := node.Parent(); parent != nil && parent.Type() == "variable_declarator" {
				return childText(parent, "identifier", src), true
			}
		}
	case "java":
		switch nodeType {
		case "method_declaration", "constructor_declaration":
			return childText(node, "identifier", src), true
		case "class_declaration", "interface_declaration", "enum_declaration":
			return childText(node, "identifier", src), true
		}
	case "rust":
		switch nodeType {
		case "function_item":
			return childText(node, "identifier", src), true
		case "struct_item", "enum_item", "trait_item":
			return childText(node, "type_identifier", src), true
		case "impl_item":
			if t := childNode(node, "type_identifier"); t != nil {
				return "impl " + src[t.StartByte():t.EndByte()], true
			}
		}
	}
	return "", false
}

// childText returns the text of the first child of the given type.
func childText(node *sitter.Node, childType, src string) string {
	if child := childNode(node, childType); child != nil {
		return src[child.StartByte():child.EndByte()]
	}
	return ""
}

// childNode returns the first child of the given type.
func childNode(node *sitter.Node, childType string) *sitter.Node {
	for i := 0; i < int(node.ChildCount()); i++ {
		if child := node.Child(i); child.Type() == childType {
			return child
		}
	}
	return nil
}

var _ provider.CodeChunker = (*Chunker)(nil)
