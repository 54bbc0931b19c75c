package rules

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var ruleLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `("(\\"|[^"])*")|('(\\'|[^'])*')`},
	{Name: "Number", Pattern: `-?\d+(\.\d+)?`},
	{Name: "Ident", Pattern: `[a-zA-Z_]\w*`},
	{Name: "Operators", Pattern: `\|\||&&|==|!=|<=|>=|[!<>(),.]`},
	{Name: "Whitespace", Pattern: `[ \r\n\t]+`},
})

var ruleParser = participle.MustBuild[expression](
	participle.Lexer(ruleLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String"),
	participle.UseLookahead(2),
)

type expression struct {
	Or []*andExpr `parser:"@@ ( '||' @@ )*"`
}

type andExpr struct {
	And []*unary `parser:"@@ ( '&&' @@ )*"`
}

type unary struct {
	Not     *unary      `parser:"  '!' @@"`
	Compare *comparison `parser:"| @@"`
}

type comparison struct {
	Left  *operand `parser:"@@"`
	Op    string   `parser:"( @( '==' | '!=' | '<=' | '>=' | '<' | '>' )"`
	Right *operand `parser:"  @@ )?"`
}

type operand struct {
	Literal *literal    `parser:"  @@"`
	Call    *call       `parser:"| @@"`
	Path    *path       `parser:"| @@"`
	Group   *expression `parser:"| '(' @@ ')'"`
}

type literal struct {
	String *string  `parser:"  @String"`
	Number *float64 `parser:"| @Number"`
	True   bool     `parser:"| @'true'"`
	False  bool     `parser:"| @'false'"`
	Null   bool     `parser:"| @'null'"`
}

type call struct {
	Name string        `parser:"@Ident '('"`
	Args []*expression `parser:"( @@ ( ',' @@ )* )? ')'"`
}

type path struct {
	Head string   `parser:"@Ident"`
	Tail []string `parser:"( '.' @Ident )*"`
}
