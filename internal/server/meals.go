package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"calorie-ai/internal/db"
	"calorie-ai/internal/models"
	"calorie-ai/internal/nutrition"
	"calorie-ai/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

const (
	dateLayout  = "2006-01-02"
	limitReason = "LIMIT_REACHED"
)

var errNoFile = errors.New("file missing")

func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	maxBytes := s.cfg.Server.MaxUploadMB << 20
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	return r.ParseMultipartForm(maxBytes)
}

// formFile reads an uploaded file fully. A missing field is errNoFile.
func formFile(r *http.Request, field string) ([]byte, string, error) {
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, "", errNoFile
	}
	if err != nil {
		return nil, "", err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", errNoFile
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func dataURL(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

type analyzeResponse struct {
	models.FoodAnalysis
	PhotoURL string `json:"photoUrl"`
}

// handleAnalyze spends one free-tier slot, then runs the vision model and the
// image upload side by side.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if err := s.parseMultipart(w, r); err != nil {
		respondError(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}
	image, contentType, err := formFile(r, "image")
	if err != nil {
		respondError(w, "No image uploaded", http.StatusBadRequest)
		return
	}
	userID := r.FormValue("userId")
	if !s.authorizeUser(w, r, userID) {
		return
	}

	ctx := r.Context()
	allowed, err := s.deps.Store.ConsumeAnalysis(ctx, userID, func(u *models.User) (int, time.Time, bool) {
		return s.freeTier.Consume(u, s.now())
	})
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, "User not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Errorw("failed to check analysis limit", "user_id", userID, "error", err)
		respondError(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if !allowed {
		respondJSON(w, http.StatusForbidden, ErrorResponse{Error: "Daily limit reached", Code: limitReason})
		return
	}

	var (
		analysis *models.FoodAnalysis
		photoURL string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		analysis = s.deps.Vision.AnalyzeFood(gctx, dataURL(contentType, image))
		return nil
	})
	g.Go(func() error {
		url, err := s.deps.Images.Upload(gctx, image, contentType, storage.FolderMeals)
		if err != nil {
			return fmt.Errorf("upload meal photo: %w", err)
		}
		photoURL = url
		return nil
	})
	if err := g.Wait(); err != nil {
		s.logger.Errorw("analysis failed", "user_id", userID, "error", err)
		respondError(w, "Failed to analyze image", http.StatusInternalServerError)
		return
	}

	s.logger.Infow("analysis complete", "user_id", userID, "name", analysis.Name, "calories", analysis.Calories)
	respondJSON(w, http.StatusOK, analyzeResponse{FoodAnalysis: *analysis, PhotoURL: photoURL})
}

// parseIngredients accepts a JSON array, a JSON scalar or plain text.
func parseIngredients(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}
	}
	if !gjson.Valid(raw) {
		return []string{raw}
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsArray() {
		if s := parsed.String(); s != "" {
			return []string{s}
		}
		return []string{}
	}
	out := make([]string, 0)
	parsed.ForEach(func(_, v gjson.Result) bool {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
		return true
	})
	return out
}

// formAnalysis reads a pre-computed analysis from the form. ok is false when
// the client sent none.
func formAnalysis(r *http.Request) (a *models.FoodAnalysis, weight *int, confidence *float64, ok bool, err error) {
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" || r.FormValue("calories") == "" {
		return nil, nil, nil, false, nil
	}

	a = &models.FoodAnalysis{Name: name, Ingredients: parseIngredients(r.FormValue("ingredients"))}
	calories, err := strconv.ParseFloat(r.FormValue("calories"), 64)
	if err != nil {
		return nil, nil, nil, false, fmt.Errorf("calories: %w", err)
	}
	a.Calories = int(calories + 0.5)

	for field, dst := range map[string]*float64{"protein": &a.Protein, "fat": &a.Fat, "carbs": &a.Carbs} {
		v := r.FormValue(field)
		if v == "" {
			continue
		}
		if *dst, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, nil, nil, false, fmt.Errorf("%s: %w", field, err)
		}
	}

	if v := r.FormValue("weightG"); v != "" {
		g, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, nil, nil, false, fmt.Errorf("weightG: %w", err)
		}
		rounded := int(g + 0.5)
		weight = &rounded
	}
	if v := r.FormValue("confidence"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, nil, nil, false, fmt.Errorf("confidence: %w", err)
		}
		confidence = &c
	}
	return a, weight, confidence, true, nil
}

func (s *Server) handleCreateMeal(w http.ResponseWriter, r *http.Request) {
	if err := s.parseMultipart(w, r); err != nil {
		respondError(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}
	userID := r.FormValue("userId")
	if !s.authorizeUser(w, r, userID) {
		return
	}

	photo, contentType, err := formFile(r, "photo")
	if err != nil && !errors.Is(err, errNoFile) {
		respondError(w, "Invalid photo", http.StatusBadRequest)
		return
	}
	photoURL := r.FormValue("photoUrl")
	if photo == nil && photoURL == "" {
		respondError(w, "Missing data (photo or photoUrl required)", http.StatusBadRequest)
		return
	}

	date := s.now()
	if v := r.FormValue("date"); v != "" {
		if date, err = time.ParseInLocation(dateLayout, v, s.loc); err != nil {
			respondError(w, "Invalid date format", http.StatusBadRequest)
			return
		}
	}

	analysis, weight, confidence, provided, err := formAnalysis(r)
	if err != nil {
		respondError(w, "Invalid analysis fields: "+err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if photo != nil {
		if photoURL, err = s.deps.Images.Upload(ctx, photo, contentType, storage.FolderMeals); err != nil {
			s.logger.Errorw("failed to upload meal photo", "user_id", userID, "error", err)
			respondError(w, "Failed to save meal", http.StatusInternalServerError)
			return
		}
	}
	if !provided {
		analysis = s.deps.Vision.AnalyzeFood(ctx, photoURL)
		weight = &analysis.WeightG
		confidence = &analysis.Confidence
	}

	meal, err := s.deps.Store.CreateMeal(ctx, &models.Meal{
		UserID:      userID,
		Name:        analysis.Name,
		Calories:    analysis.Calories,
		Protein:     analysis.Protein,
		Fat:         analysis.Fat,
		Carbs:       analysis.Carbs,
		Ingredients: analysis.Ingredients,
		WeightG:     weight,
		Confidence:  confidence,
		PhotoURL:    photoURL,
		Date:        date,
	})
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, "User not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Errorw("failed to create meal", "user_id", userID, "error", err)
		respondError(w, "Failed to save meal", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]*models.Meal{"meal": meal})
}

type mealsResponse struct {
	Meals  []*models.Meal    `json:"meals"`
	Totals models.MealTotals `json:"totals"`
}

func (s *Server) handleMealsToday(w http.ResponseWriter, r *http.Request) {
	s.respondMealsOn(w, r, s.now())
}

func (s *Server) handleMealsByDate(w http.ResponseWriter, r *http.Request) {
	day, err := time.ParseInLocation(dateLayout, r.URL.Query().Get("date"), s.loc)
	if err != nil {
		respondError(w, "Invalid date format", http.StatusBadRequest)
		return
	}
	s.respondMealsOn(w, r, day)
}

func (s *Server) respondMealsOn(w http.ResponseWriter, r *http.Request, day time.Time) {
	userID := chi.URLParam(r, "userId")
	if !s.authorizeUser(w, r, userID) {
		return
	}

	from, to := nutrition.DayBounds(day, s.loc)
	meals, err := s.deps.Store.MealsBetween(r.Context(), userID, from, to)
	if err != nil {
		s.logger.Errorw("failed to list meals", "user_id", userID, "error", err)
		respondError(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if meals == nil {
		meals = []*models.Meal{}
	}
	respondJSON(w, http.StatusOK, mealsResponse{Meals: meals, Totals: nutrition.Totals(meals)})
}

func (s *Server) handleDeleteMeal(w http.ResponseWriter, r *http.Request) {
	mealID := chi.URLParam(r, "mealId")
	ctx := r.Context()

	meal, err := s.deps.Store.GetMeal(ctx, mealID)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Errorw("failed to load meal", "meal_id", mealID, "error", err)
		respondError(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if !s.authorizeUser(w, r, meal.UserID) {
		return
	}

	if meal.PhotoURL != "" {
		if err := s.deps.Images.Delete(ctx, meal.PhotoURL); err != nil {
			s.logger.Warnw("failed to delete meal photo", "meal_id", mealID, "error", err)
		}
	}
	if err := s.deps.Store.DeleteMeal(ctx, mealID); err != nil && !errors.Is(err, db.ErrNotFound) {
		s.logger.Errorw("failed to delete meal", "meal_id", mealID, "error", err)
		respondError(w, "Internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, successResponse{Success: true})
}
