package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stemsi/exstem-session/internal/model"
)

const helpText = `Commands: a <value> answer, r toggle review, n next, p previous, g <n> go to question, s submit, q quit, h help`

type op int

const (
	opAnswer op = iota
	opReview
	opNext
	opPrev
	opGoTo
	opSubmit
	opQuit
	opHelp
)

type command struct {
	op    op
	arg   string
	index int
}

var errEmptyCommand = errors.New("type h for help")

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, errEmptyCommand
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "a":
		// An empty value clears the answer.
		return command{op: opAnswer, arg: arg}, nil
	case "r":
		return command{op: opReview}, nil
	case "n":
		return command{op: opNext}, nil
	case "p":
		return command{op: opPrev}, nil
	case "g":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return command{}, fmt.Errorf("g needs a question number, got %q", arg)
		}
		return command{op: opGoTo, index: n}, nil
	case "s":
		return command{op: opSubmit}, nil
	case "q":
		return command{op: opQuit}, nil
	case "h", "?":
		return command{op: opHelp}, nil
	}
	return command{}, fmt.Errorf("unknown command %q, type h for help", name)
}

// resolveOption lets a multiple choice answer be typed as the option's
// 1-based position.
func resolveOption(q *model.Question, value string) string {
	if q.Kind != model.QuestionKindMultipleChoice {
		return value
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 || n > len(q.Options) {
		return value
	}
	for _, o := range q.Options {
		if o.ID == value {
			return value
		}
	}
	return q.Options[n-1].ID
}
