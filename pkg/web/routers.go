package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	auth "github.com/liut/simpauth"
	"github.com/marcsv/go-binder/binder"

	"github.com/liut/nemain/pkg/settings"
)

type M = render.M

// User online user
type User = auth.User

// vars from simpauth
var (
	UserFromContext = auth.UserFromContext
)

func (s *server) strapRouter() {

	s.ar.Get("/ping", handlerPing)

	s.ar.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Get("/logout", s.handleLogout)
	})

	s.ar.Route("/api", func(r chi.Router) {
		r.Use(s.authzr.MiddlewareWordy(false))
		r.Get("/me", handleMe)
		r.Get("/models", s.getModels)
		r.Get("/welcome", s.getWelcome)

		r.Get("/presets", s.getPresets)
		r.Post("/presets", s.postPreset)
		r.Delete("/presets/{name}", s.deletePreset)

		r.Get("/history/{model}", s.getHistory)
		r.Post("/reset", s.postReset)
		r.Post("/tokens", s.postMaxTokens)

		r.Post("/chat", s.postChat)
		r.Post("/vision", s.postVision)

		r.Post("/image", s.postImage)
		r.Get("/images", s.getImages)

		r.Post("/assistant", s.postAssistant)
		r.Post("/assistant/upload", s.postAssistantUpload)
		r.Get("/download", s.getDownload)
	})

	fileServer := http.StripPrefix("/files/", http.FileServer(http.Dir(settings.Current.FilesDir)))
	s.ar.Group(func(r chi.Router) {
		r.Use(s.authzr.MiddlewareWordy(false))
		r.Get("/files/*", fileServer.ServeHTTP)
	})

	if s.cfg.DocHandler != nil {
		s.ar.Get("/", s.cfg.DocHandler.ServeHTTP)
		s.ar.NotFound(s.cfg.DocHandler.ServeHTTP)
	}
}

func handlerPing(w http.ResponseWriter, r *http.Request) {
	render.Data(w, r, []byte("Pong\n"))
}

func handleMe(w http.ResponseWriter, r *http.Request) {
	if user, ok := UserFromContext(r.Context()); ok {
		apiOk(w, r, user)
	} else {
		apiFail(w, r, 401, "not login")
	}
}

type loginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var param loginReq
	if err := binder.BindBody(r, &param); err != nil {
		apiFail(w, r, 400, err)
		return
	}
	if !s.sto.Users().Verify(param.Username, param.Password) {
		apiFail(w, r, 401, "invalid username or password")
		return
	}
	user := &User{UID: param.Username, Name: param.Username}
	if err := s.authzr.Signin(user, w); err != nil {
		apiFail(w, r, 500, err)
		return
	}
	// 首个通过鉴权的请求即建立会话
	s.sto.Sessions().GetOrCreate(param.Username)
	logger().Infow("login", "user", param.Username, "ip", r.RemoteAddr)
	apiOk(w, r, M{"welcome": "Welcome " + param.Username})
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.authzr.Signout(w)
	apiOk(w, r, nil)
}
