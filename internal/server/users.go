package server

import (
	"errors"
	"net/http"

	"calorie-ai/internal/auth"
	"calorie-ai/internal/db"
	"calorie-ai/internal/models"
	"calorie-ai/internal/nutrition"

	"github.com/go-chi/chi/v5"
)

type authRequest struct {
	InitData string `json:"initData" validate:"required"`
}

type authResponse struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := s.decodeJSON(r, &req); err != nil {
		respondError(w, "initData required", http.StatusBadRequest)
		return
	}

	tg, err := auth.ValidateInitData(req.InitData, s.cfg.Telegram.Token, !s.cfg.App.IsProduction())
	if err != nil {
		s.logger.Warnw("rejected init data", "error", err)
		respondError(w, "Invalid Telegram data", http.StatusUnauthorized)
		return
	}

	user, err := s.deps.Store.UpsertTelegramUser(r.Context(), tg.ID, tg.FirstName, tg.LastName, tg.Username)
	if err != nil {
		s.logger.Errorw("failed to upsert user", "telegram_id", tg.ID, "error", err)
		respondError(w, "Internal error", http.StatusInternalServerError)
		return
	}

	token, err := s.deps.Tokens.Issue(user.ID, user.TelegramID)
	if err != nil {
		s.logger.Errorw("failed to issue token", "user_id", user.ID, "error", err)
		respondError(w, "Internal error", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, authResponse{User: s.present(user), Token: token})
}

// present reports premium as it applies now rather than the stored flag.
func (s *Server) present(u *models.User) *models.User {
	u.IsPremium = u.PremiumActive(s.now())
	return u
}

type userResponse struct {
	User        *models.User `json:"user"`
	Recommended *int         `json:"recommended,omitempty"`
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !s.authorizeUser(w, r, userID) {
		return
	}

	user, err := s.deps.Store.GetUser(r.Context(), userID)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, "User not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Errorw("failed to load user", "user_id", userID, "error", err)
		respondError(w, "Internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, userResponse{User: s.present(user)})
}

type profileRequest struct {
	FirstName        *string  `json:"firstName" validate:"omitempty,min=1,max=64"`
	Age              *int     `json:"age" validate:"omitempty,min=10,max=120"`
	Gender           *string  `json:"gender" validate:"omitempty,oneof=MALE FEMALE"`
	HeightCm         *int     `json:"heightCm" validate:"omitempty,min=100,max=250"`
	WeightKg         *float64 `json:"weightKg" validate:"omitempty,min=25,max=400"`
	Activity         *string  `json:"activity" validate:"omitempty,oneof=SEDENTARY LIGHT MODERATE ACTIVE VERY_ACTIVE"`
	Goal             *string  `json:"goal" validate:"omitempty,oneof=LOSS MAINTAIN GAIN"`
	DailyCalorieGoal *int     `json:"dailyCalorieGoal"`
}

func (p profileRequest) update() models.ProfileUpdate {
	upd := models.ProfileUpdate{
		FirstName:        p.FirstName,
		Age:              p.Age,
		HeightCm:         p.HeightCm,
		WeightKg:         p.WeightKg,
		DailyCalorieGoal: p.DailyCalorieGoal,
	}
	if p.Gender != nil {
		g := models.Gender(*p.Gender)
		upd.Gender = &g
	}
	if p.Activity != nil {
		a := models.ActivityLevel(*p.Activity)
		upd.Activity = &a
	}
	if p.Goal != nil {
		g := models.Goal(*p.Goal)
		upd.Goal = &g
	}
	return upd
}

// merged is the profile as it will look after upd is applied.
func merged(u models.User, upd models.ProfileUpdate) *models.User {
	if upd.Age != nil {
		u.Age = upd.Age
	}
	if upd.Gender != nil {
		u.Gender = upd.Gender
	}
	if upd.HeightCm != nil {
		u.HeightCm = upd.HeightCm
	}
	if upd.WeightKg != nil {
		u.WeightKg = upd.WeightKg
	}
	if upd.Activity != nil {
		u.Activity = upd.Activity
	}
	if upd.Goal != nil {
		u.Goal = upd.Goal
	}
	return &u
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !s.authorizeUser(w, r, userID) {
		return
	}

	var req profileRequest
	if err := s.decodeJSON(r, &req); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.DailyCalorieGoal != nil && !nutrition.ValidCalorieGoal(*req.DailyCalorieGoal) {
		respondError(w, "Invalid goal (800-10000)", http.StatusBadRequest)
		return
	}

	current, err := s.deps.Store.GetUser(r.Context(), userID)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, "User not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Errorw("failed to load user", "user_id", userID, "error", err)
		respondError(w, "Internal error", http.StatusInternalServerError)
		return
	}

	upd := req.update()
	var recommended *int
	if kcal, ok := nutrition.RecommendedCalories(merged(*current, upd)); ok {
		recommended = &kcal
		if upd.DailyCalorieGoal == nil {
			upd.DailyCalorieGoal = &kcal
		}
	}

	user, err := s.deps.Store.UpdateProfile(r.Context(), userID, upd)
	if err != nil {
		s.logger.Errorw("failed to update profile", "user_id", userID, "error", err)
		respondError(w, "Internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, userResponse{User: s.present(user), Recommended: recommended})
}

func (s *Server) handleResetUserData(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !s.authorizeUser(w, r, userID) {
		return
	}

	photos, err := s.deps.Store.ResetUserData(r.Context(), userID)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, "User not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Errorw("failed to reset user data", "user_id", userID, "error", err)
		respondError(w, "Internal error", http.StatusInternalServerError)
		return
	}

	for _, url := range photos {
		if url == "" {
			continue
		}
		if err := s.deps.Images.Delete(r.Context(), url); err != nil {
			s.logger.Warnw("failed to delete meal photo", "url", url, "error", err)
		}
	}

	s.logger.Infow("user data reset", "user_id", userID, "photos", len(photos))
	respondJSON(w, http.StatusOK, successResponse{Success: true})
}
