package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError — план отвергнут до исполнения: синтаксис, неизвестная переменная
// или незарегистрированный инструмент.
type ParseError struct {
	Line int
	Col  int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at line %d, column %d: %s", e.Line, e.Col, e.Msg)
}

// ToolLookup — минимальный контракт реестра, нужный парсеру.
type ToolLookup interface {
	Has(name string) bool
}

// Parser — рекурсивный спуск по лексемам.
type Parser struct {
	l         *Lexer
	tools     ToolLookup
	curToken  Token
	peekToken Token
	bound     map[string]bool
}

// Parse разбирает план. inputs — имена, связанные до начала плана (например, user_query).
func Parse(src string, tools ToolLookup, inputs ...string) (*Plan, error) {
	p := &Parser{
		l:     NewLexer(src),
		tools: tools,
		bound: make(map[string]bool, len(inputs)),
	}
	for _, in := range inputs {
		p.bound[in] = true
	}
	p.nextToken()
	p.nextToken()
	return p.parsePlan()
}

func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.l.NextToken()
}

func (p *Parser) errorf(tok Token, format string, args ...any) *ParseError {
	return &ParseError{Line: tok.Line, Col: tok.Column, Msg: fmt.Sprintf(format, args...)}
}

func (p *Parser) unexpected(want string) *ParseError {
	if p.curToken.Type == TokenIllegal {
		return p.errorf(p.curToken, "%s", p.curToken.Literal)
	}
	return p.errorf(p.curToken, "expected %s, got %s", want, describe(p.curToken))
}

func (p *Parser) parsePlan() (*Plan, error) {
	plan := &Plan{}
	for {
		switch p.curToken.Type {
		case TokenEOF:
			return plan, nil
		case TokenNewline:
			p.nextToken()
			continue
		}

		stmt, err := p.parseStatement(len(plan.Statements))
		if err != nil {
			return nil, err
		}
		plan.Statements = append(plan.Statements, stmt)
	}
}

func (p *Parser) parseStatement(index int) (Statement, error) {
	if p.curToken.Type != TokenIdent {
		return Statement{}, p.unexpected("statement")
	}
	stmt := Statement{Index: index, Line: p.curToken.Line}

	if p.peekToken.Type == TokenAssign {
		stmt.Target = p.curToken.Literal
		p.nextToken() // имя
		p.nextToken() // '='
		if p.curToken.Type != TokenIdent || p.peekToken.Type != TokenLParen {
			return Statement{}, p.unexpected("tool call on the right-hand side")
		}
	} else if p.peekToken.Type != TokenLParen {
		p.nextToken()
		return Statement{}, p.unexpected("'=' or '('")
	}

	call, err := p.parseCall()
	if err != nil {
		return Statement{}, err
	}
	stmt.Call = call

	switch p.curToken.Type {
	case TokenNewline:
		p.nextToken()
	case TokenEOF:
	default:
		return Statement{}, p.unexpected("end of line")
	}

	// Имя становится видимым только после своей инструкции.
	if stmt.Target != "" {
		p.bound[stmt.Target] = true
	}
	return stmt, nil
}

// parseCall: curToken — имя инструмента, peekToken — '('.
func (p *Parser) parseCall() (*Call, error) {
	nameTok := p.curToken
	if !p.tools.Has(nameTok.Literal) {
		return nil, p.errorf(nameTok, "unknown tool %q", nameTok.Literal)
	}
	call := &Call{Tool: nameTok.Literal, At: Position{Line: nameTok.Line, Col: nameTok.Column}}
	p.nextToken() // имя
	p.nextToken() // '('

	seen := make(map[string]bool)
	for p.curToken.Type != TokenRParen {
		if p.curToken.Type != TokenIdent || p.peekToken.Type != TokenAssign {
			if p.curToken.Type != TokenIllegal && p.curToken.Type != TokenEOF && p.curToken.Type != TokenNewline {
				return nil, p.errorf(p.curToken, "expected keyword argument name=value, got %s", describe(p.curToken))
			}
			return nil, p.unexpected("keyword argument")
		}
		argTok := p.curToken
		if seen[argTok.Literal] {
			return nil, p.errorf(argTok, "duplicate keyword argument %q in call to %s", argTok.Literal, call.Tool)
		}
		seen[argTok.Literal] = true
		p.nextToken() // имя
		p.nextToken() // '='

		value, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, Arg{
			Name:  argTok.Literal,
			Value: value,
			At:    Position{Line: argTok.Line, Col: argTok.Column},
		})

		switch p.curToken.Type {
		case TokenComma:
			p.nextToken()
		case TokenRParen:
		default:
			return nil, p.unexpected("',' or ')'")
		}
	}
	p.nextToken() // ')'
	return call, nil
}

func (p *Parser) parseExpr() (Expr, error) {
	tok := p.curToken
	at := Position{Line: tok.Line, Col: tok.Column}

	switch tok.Type {
	case TokenString:
		p.nextToken()
		return &Literal{Value: tok.Literal, At: at}, nil
	case TokenNumber:
		v, err := parseNumber(tok.Literal)
		if err != nil {
			return nil, p.errorf(tok, "invalid number %s: %v", tok.Literal, err)
		}
		p.nextToken()
		return &Literal{Value: v, At: at}, nil
	case TokenTrue, TokenFalse:
		p.nextToken()
		return &Literal{Value: tok.Type == TokenTrue, At: at}, nil
	case TokenIdent:
		if p.peekToken.Type == TokenLParen {
			return p.parseCall()
		}
		if !p.bound[tok.Literal] {
			return nil, p.errorf(tok, "unknown variable %q", tok.Literal)
		}
		p.nextToken()
		return &VarRef{Name: tok.Literal, At: at}, nil
	default:
		return nil, p.unexpected("value")
	}
}

func parseNumber(s string) (any, error) {
	if strings.Contains(s, ".") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func describe(tok Token) string {
	switch tok.Type {
	case TokenIdent:
		return fmt.Sprintf("identifier %q", tok.Literal)
	case TokenString:
		return fmt.Sprintf("string %q", tok.Literal)
	case TokenNumber:
		return "number " + tok.Literal
	default:
		return tok.Type.String()
	}
}
