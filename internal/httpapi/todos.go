package httpapi

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

//go:embed data.json
var todosJSON []byte

type Todo struct {
	UserID    int    `json:"userId"`
	ID        int    `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

// LoadTodos decodes the embedded fixture.
func LoadTodos() ([]Todo, error) {
	var doc struct {
		Todos []Todo `json:"todos"`
	}
	if err := json.Unmarshal(todosJSON, &doc); err != nil {
		return nil, fmt.Errorf("decode todos: %w", err)
	}
	return doc.Todos, nil
}

// TodoHandler answers GET /todos/{id} with the todo at index id, or {} when
// there is none.
func TodoHandler(todos []Todo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idx, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil || idx < 0 || idx >= len(todos) {
			writeJSON(w, http.StatusOK, struct{}{})
			return
		}
		writeJSON(w, http.StatusOK, todos[idx])
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
