package engine

import (
	"strings"
)

type TokenType int

const (
	TokenIllegal TokenType = iota
	TokenEOF
	TokenNewline
	TokenIdent
	TokenString
	TokenNumber
	TokenTrue
	TokenFalse
	TokenAssign
	TokenComma
	TokenLParen
	TokenRParen
)

var tokenNames = map[TokenType]string{
	TokenIllegal: "ILLEGAL",
	TokenEOF:     "end of input",
	TokenNewline: "end of line",
	TokenIdent:   "identifier",
	TokenString:  "string",
	TokenNumber:  "number",
	TokenTrue:    "true",
	TokenFalse:   "false",
	TokenAssign:  "'='",
	TokenComma:   "','",
	TokenLParen:  "'('",
	TokenRParen:  "')'",
}

func (t TokenType) String() string {
	if s, ok := tokenNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// Token — лексема плана. Для TokenIllegal в Literal лежит описание проблемы.
type Token struct {
	Type    TokenType
	Literal string
	Line    int
	Column  int
}

// Lexer разбивает текст плана на лексемы. Перевод строки — значимый токен,
// кроме как внутри скобок: вызов можно переносить на несколько строк.
type Lexer struct {
	input        string
	position     int
	readPosition int
	ch           byte
	eof          bool // ch == 0 ещё не конец: NUL внутри плана отвергается
	line         int
	column       int
	startColumn  int
	depth        int // вложенность круглых скобок
}

func NewLexer(input string) *Lexer {
	l := &Lexer{input: input, line: 1}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.readPosition >= len(l.input) {
		l.ch = 0
		l.eof = true
	} else {
		l.ch = l.input[l.readPosition]
	}
	l.position = l.readPosition
	l.readPosition++
	l.column++
}

func (l *Lexer) peekChar() byte {
	if l.readPosition >= len(l.input) {
		return 0
	}
	return l.input[l.readPosition]
}

func (l *Lexer) NextToken() Token {
	for {
		l.skipWhitespace()
		if l.ch == '#' {
			l.skipComment()
			continue
		}
		if l.ch == '\n' && l.depth > 0 {
			l.newline()
			continue
		}
		break
	}

	l.startColumn = l.column

	if l.eof {
		return l.newToken(TokenEOF, "")
	}

	var tok Token
	switch l.ch {
	case 0:
		tok = l.newToken(TokenIllegal, "unexpected NUL byte")
		l.readChar()
	case '\n':
		tok = l.newToken(TokenNewline, "\n")
		l.newline()
	case '=':
		tok = l.newToken(TokenAssign, "=")
		l.readChar()
	case ',':
		tok = l.newToken(TokenComma, ",")
		l.readChar()
	case '(':
		l.depth++
		tok = l.newToken(TokenLParen, "(")
		l.readChar()
	case ')':
		if l.depth > 0 {
			l.depth--
		}
		tok = l.newToken(TokenRParen, ")")
		l.readChar()
	case '"', '\'':
		tok = l.readString(l.ch)
	case '-':
		if isDigit(l.peekChar()) {
			tok = l.readNumber()
		} else {
			tok = l.newToken(TokenIllegal, "unexpected character '-'")
			l.readChar()
		}
	default:
		switch {
		case isLetter(l.ch) || l.ch == '_':
			tok = l.readIdentifier()
		case isDigit(l.ch):
			tok = l.readNumber()
		default:
			tok = l.newToken(TokenIllegal, "unexpected character '"+string(l.ch)+"'")
			l.readChar()
		}
	}
	return tok
}

func (l *Lexer) newToken(t TokenType, literal string) Token {
	return Token{Type: t, Literal: literal, Line: l.line, Column: l.startColumn}
}

func (l *Lexer) newline() {
	l.readChar()
	l.line++
	l.column = 1
}

func (l *Lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\r' {
		l.readChar()
	}
}

func (l *Lexer) skipComment() {
	for l.ch != '\n' && l.ch != 0 && !l.eof {
		l.readChar()
	}
}

func (l *Lexer) readIdentifier() Token {
	start := l.position
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' {
		l.readChar()
	}
	literal := l.input[start:l.position]
	switch literal {
	case "true":
		return l.newToken(TokenTrue, literal)
	case "false":
		return l.newToken(TokenFalse, literal)
	default:
		return l.newToken(TokenIdent, literal)
	}
}

// readNumber читает целое или десятичное число с необязательным минусом.
func (l *Lexer) readNumber() Token {
	start := l.position
	if l.ch == '-' {
		l.readChar()
	}
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && isDigit(l.peekChar()) {
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	return l.newToken(TokenNumber, l.input[start:l.position])
}

// readString читает строку в одинарных или двойных кавычках.
// Literal токена — уже раскрытое значение без кавычек.
func (l *Lexer) readString(quote byte) Token {
	var b strings.Builder
	l.readChar() // открывающая кавычка
	for {
		if l.eof {
			return l.newToken(TokenIllegal, "unterminated string literal")
		}
		switch l.ch {
		case 0:
			return l.newToken(TokenIllegal, "unexpected NUL byte")
		case '\n':
			return l.newToken(TokenIllegal, "unterminated string literal")
		case quote:
			l.readChar()
			return l.newToken(TokenString, b.String())
		case '\\':
			l.readChar()
			switch l.ch {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '\\', '"', '\'':
				b.WriteByte(l.ch)
			case 0:
				if l.eof {
					return l.newToken(TokenIllegal, "unterminated string literal")
				}
				return l.newToken(TokenIllegal, "unexpected NUL byte")
			case '\n':
				return l.newToken(TokenIllegal, "unterminated string literal")
			default:
				return l.newToken(TokenIllegal, "unknown escape sequence '\\"+string(l.ch)+"'")
			}
			l.readChar()
		default:
			b.WriteByte(l.ch)
			l.readChar()
		}
	}
}

func isLetter(ch byte) bool {
	return ('a' <= ch && ch <= 'z') || ('A' <= ch && ch <= 'Z')
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}
